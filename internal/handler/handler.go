// Package handler содержит HTTP-обработчики API сервиса ReHome.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rehome-backend/internal/middleware"
	"github.com/mmeshcher/rehome-backend/internal/model"
	"github.com/mmeshcher/rehome-backend/internal/qpay"
	"github.com/mmeshcher/rehome-backend/internal/repository"
	"github.com/mmeshcher/rehome-backend/internal/service"
	"github.com/mmeshcher/rehome-backend/internal/validation"
)

const maxUploadSize = 32 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SendOTP(ctx context.Context, target string) (string, bool, error)
	VerifyOTP(ctx context.Context, target, code, username string) (*model.User, bool, error)
	GetProfile(ctx context.Context, userID int64) (*model.User, int64, error)
	UpdateProfile(ctx context.Context, userID int64, username, email string) (*model.User, int64, error)
	GetDashboard(ctx context.Context, userID int64) (*service.Dashboard, error)
	ListActivePackages(ctx context.Context) ([]model.Package, error)
	PurchaseCredits(ctx context.Context, userID, packageID int64) (*model.Order, *qpay.Invoice, error)
	SettleOrder(ctx context.Context, invoiceRef string) error
	CheckOrderStatus(ctx context.Context, userID, orderID int64) (*service.OrderStatus, error)
	GetRecentImages(ctx context.Context, userID int64, limit int) ([]model.GeneratedImage, error)
	GenerateImage(ctx context.Context, userID int64, imageData []byte, style, roomType, description string) (*model.GeneratedImage, error)
}

// Handler реализует HTTP-обработчики API сервиса ReHome.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	mediaRoot      string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, mediaRoot string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		mediaRoot:      mediaRoot,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type userResponse struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	CreditBalance int64  `json:"credit_balance"`
	DateJoined    string `json:"date_joined"`
}

func toUserResponse(u *model.User, balance int64) userResponse {
	return userResponse{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		CreditBalance: balance,
		DateJoined:    u.CreatedAt.Format(time.RFC3339),
	}
}

type transactionResponse struct {
	ID              int64  `json:"id"`
	Amount          int64  `json:"amount"`
	TransactionType string `json:"transaction_type"`
	Description     string `json:"description"`
	CreatedAt       string `json:"created_at"`
}

func toTransactionResponses(trs []model.CreditTransaction) []transactionResponse {
	res := make([]transactionResponse, 0, len(trs))
	for _, tr := range trs {
		res = append(res, transactionResponse{
			ID:              tr.ID,
			Amount:          tr.Amount,
			TransactionType: string(tr.Kind),
			Description:     tr.Description,
			CreatedAt:       tr.CreatedAt.Format(time.RFC3339),
		})
	}
	return res
}

type generatedImageResponse struct {
	ID             int64  `json:"id"`
	OriginalImage  string `json:"original_image"`
	GeneratedImage string `json:"generated_image"`
	Style          string `json:"style"`
	RoomType       string `json:"room_type"`
	Description    string `json:"description"`
	CreatedAt      string `json:"created_at"`
}

func toImageResponse(img model.GeneratedImage) generatedImageResponse {
	return generatedImageResponse{
		ID:             img.ID,
		OriginalImage:  "/media/" + img.OriginalImage,
		GeneratedImage: "/media/" + img.GeneratedImage,
		Style:          img.Style,
		RoomType:       img.RoomType,
		Description:    img.Description,
		CreatedAt:      img.CreatedAt.Format(time.RFC3339),
	}
}

func toImageResponses(imgs []model.GeneratedImage) []generatedImageResponse {
	res := make([]generatedImageResponse, 0, len(imgs))
	for _, img := range imgs {
		res = append(res, toImageResponse(img))
	}
	return res
}

type orderResponse struct {
	ID            int64  `json:"id"`
	PackageID     int64  `json:"package_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	QPayInvoiceID string `json:"qpay_invoice_id"`
	CreatedAt     string `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		PackageID:     o.PackageID,
		Amount:        o.Amount,
		Status:        string(o.Status),
		QPayInvoiceID: o.QPayInvoiceID,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}

type sendOTPRequest struct {
	PhoneOrEmail string `json:"phone_or_email"`
}

// SendOTP выпускает одноразовый код для телефона или email.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Утасны дугаар эсвэл имэйл оруулна уу")
		return
	}

	target := strings.TrimSpace(req.PhoneOrEmail)
	if target == "" {
		writeError(w, http.StatusBadRequest, "Утасны дугаар эсвэл имэйл оруулна уу")
		return
	}

	if !validation.IsValidTarget(target) {
		writeError(w, http.StatusBadRequest, "Утасны дугаар зөв биш байна. Зөвхөн тоо оруулна уу (8-10 орон)")
		return
	}

	code, testMode, err := h.service.SendOTP(r.Context(), target)
	if err != nil {
		h.logger.Error("send otp error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	// Вместо реального SMS-шлюза код уходит в лог
	h.logger.Info("fake sms", zap.String("target", target), zap.String("otp", code))

	resp := map[string]string{"message": "OTP код илгээгдлээ"}
	if testMode {
		// Код в ответе — поведение тестового стенда, в проде отключено конфигурацией
		resp["otp_code"] = code
	}

	writeJSON(w, http.StatusOK, resp)
}

type verifyOTPRequest struct {
	PhoneOrEmail string `json:"phone_or_email"`
	OTPCode      string `json:"otp_code"`
	Username     string `json:"username"`
}

// VerifyOTP проверяет код подтверждения и устанавливает сессию.
// Для нового адресата пользователь создаётся автоматически.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Утасны дугаар/имэйл болон OTP код оруулна уу")
		return
	}

	target := strings.TrimSpace(req.PhoneOrEmail)
	code := strings.TrimSpace(req.OTPCode)
	username := strings.TrimSpace(req.Username)

	if target == "" || code == "" {
		writeError(w, http.StatusBadRequest, "Утасны дугаар/имэйл болон OTP код оруулна уу")
		return
	}

	user, created, err := h.service.VerifyOTP(r.Context(), target, code, username)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOTPInvalid):
			writeError(w, http.StatusBadRequest, "OTP код буруу байна")
		case errors.Is(err, service.ErrOTPExpired):
			writeError(w, http.StatusBadRequest, "OTP код хүчинтэй хугацаа дууссан")
		default:
			h.logger.Error("verify otp error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		}
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, user.ID); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	_, balance, err := h.service.GetProfile(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", user.ID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	if created {
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "Бүртгэл амжилттай үүслээ",
			"user":    toUserResponse(user, balance),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Амжилттай нэвтэрлээ",
		"user":    toUserResponse(user, balance),
	})
}

// LegacyAuth отвечает на устаревшие login/signup отсылкой к OTP-эндпоинтам.
func (h *Handler) LegacyAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   "OTP код ашиглана уу",
		"message": "Энэ endpoint ашиглахгүй болсон. /api/send-otp/ болон /api/verify-otp/ ашиглана уу.",
	})
}

// Logout сбрасывает cookie сессии.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// GetProfile возвращает профиль текущего пользователя с балансом.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	user, balance, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user, balance))
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UpdateProfile частично обновляет имя пользователя и email.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}

	current, _, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	username := current.Username
	if strings.TrimSpace(req.Username) != "" {
		username = strings.TrimSpace(req.Username)
	}
	email := current.Email
	if strings.TrimSpace(req.Email) != "" {
		email = strings.TrimSpace(req.Email)
	}

	user, balance, err := h.service.UpdateProfile(r.Context(), userID, username, email)
	if err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			writeError(w, http.StatusBadRequest, "Нэр давхардаж байна")
			return
		}
		h.logger.Error("update profile error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user, balance))
}

// GetDashboard возвращает данные главного экрана пользователя.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	dashboard, err := h.service.GetDashboard(r.Context(), userID)
	if err != nil {
		h.logger.Error("get dashboard error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":                toUserResponse(dashboard.User, dashboard.CreditBalance),
		"credit_balance":      dashboard.CreditBalance,
		"recent_transactions": toTransactionResponses(dashboard.RecentTransactions),
		"generated_images":    toImageResponses(dashboard.GeneratedImages),
	})
}

type packageResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    int64  `json:"price"`
	IsActive bool   `json:"is_active"`
}

// ListPackages возвращает активные пакеты кредитов. Доступен без сессии.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.service.ListActivePackages(r.Context())
	if err != nil {
		h.logger.Error("list packages error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	res := make([]packageResponse, 0, len(packages))
	for _, p := range packages {
		res = append(res, packageResponse{
			ID:       p.ID,
			Name:     p.Name,
			Credits:  p.Credits,
			Price:    p.Price,
			IsActive: p.IsActive,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"packages": res})
}

type purchaseRequest struct {
	PackageID int64 `json:"package_id"`
}

// PurchaseCredits создаёт заказ на пакет и возвращает платёжные реквизиты QPay.
func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PackageID == 0 {
		writeError(w, http.StatusBadRequest, "package_id шаардлагатай")
		return
	}

	order, invoice, err := h.service.PurchaseCredits(r.Context(), userID, req.PackageID)
	if err != nil {
		if errors.Is(err, repository.ErrPackageNotFound) {
			writeError(w, http.StatusNotFound, "Багц олдсонгүй")
			return
		}
		h.logger.Error("purchase credits error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("packageID", req.PackageID))
		writeError(w, http.StatusInternalServerError, "QPay invoice үүсгэхэд алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "QPay invoice амжилттай үүслээ",
		"order":   toOrderResponse(order),
		"qpay_invoice": map[string]any{
			"invoice_id":    invoice.InvoiceID,
			"qr_text":       invoice.QRText,
			"qr_image":      invoice.QRImage,
			"qPay_shortUrl": invoice.ShortURL,
			"urls":          invoice.URLs,
		},
	})
}

// CheckOrderStatus возвращает статус собственного заказа по order_id из query-строки.
func (h *Handler) CheckOrderStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	raw := r.URL.Query().Get("order_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "order_id шаардлагатай")
		return
	}

	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Буруу order_id")
		return
	}

	status, err := h.service.CheckOrderStatus(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "Order олдсонгүй")
			return
		}
		h.logger.Error("check order status error", zap.Error(err), zap.Int64("orderID", orderID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": status.OrderID,
		"status":   string(status.Status),
		"is_paid":  status.IsPaid,
		"credits":  status.Credits,
	})
}

// QPayWebhook обрабатывает уведомление шлюза об оплате счёта.
// Ответ — plain text, как того ожидает QPay; сессия не требуется.
func (h *Handler) QPayWebhook(w http.ResponseWriter, r *http.Request) {
	invoiceRef := r.URL.Query().Get("invoiceid")
	if invoiceRef == "" && r.Method == http.MethodPost {
		var body struct {
			InvoiceID string `json:"invoiceid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			invoiceRef = body.InvoiceID
		}
	}

	if invoiceRef == "" {
		http.Error(w, "invoiceid шаардлагатай", http.StatusBadRequest)
		return
	}

	err := h.service.SettleOrder(r.Context(), invoiceRef)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, "Order олдсонгүй эсвэл аль хэдийн боловсруулагдсан", http.StatusNotFound)
		case errors.Is(err, service.ErrOrderNoInvoice):
			http.Error(w, "Order дээр QPay invoice ID байхгүй байна", http.StatusBadRequest)
		case errors.Is(err, service.ErrPaymentInsufficient):
			http.Error(w, "Төлбөр хангалтгүй байна", http.StatusBadRequest)
		default:
			h.logger.Error("webhook error", zap.Error(err), zap.String("invoiceRef", invoiceRef))
			http.Error(w, "Webhook боловсруулах явцад алдаа гарлаа", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "qPay_webHookTest")
}

// GetRecentImages возвращает последние три изображения пользователя.
func (h *Handler) GetRecentImages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	images, err := h.service.GetRecentImages(r.Context(), userID, 3)
	if err != nil {
		h.logger.Error("recent images error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Алдаа гарлаа")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"recent_images": toImageResponses(images)})
}

// GenerateImage принимает multipart-загрузку и запускает генерацию интерьера.
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "image болон style шаардлагатай")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image шаардлагатай")
		return
	}
	defer file.Close()

	style := strings.TrimSpace(r.FormValue("style"))
	if style == "" {
		writeError(w, http.StatusBadRequest, "style шаардлагатай")
		return
	}
	roomType := strings.TrimSpace(r.FormValue("room_type"))
	description := strings.TrimSpace(r.FormValue("description"))

	imageData, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image шаардлагатай")
		return
	}

	img, err := h.service.GenerateImage(r.Context(), userID, imageData, style, roomType, description)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "Insufficient credits. Please purchase more credits to generate images.")
		case errors.Is(err, service.ErrInvalidImage):
			writeError(w, http.StatusBadRequest, "Зураг танигдсангүй")
		default:
			h.logger.Error("generate image error", zap.Error(err), zap.Int64("userID", userID), zap.String("style", style))
			writeError(w, http.StatusInternalServerError, "Failed to generate image")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":         "Image generated successfully!",
		"generated_image": toImageResponse(*img),
	})
}
