// Package service реализует бизнес-логику сервиса ReHome.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/rehome-backend/internal/imaging"
	"github.com/mmeshcher/rehome-backend/internal/model"
	"github.com/mmeshcher/rehome-backend/internal/qpay"
	"github.com/mmeshcher/rehome-backend/internal/repository"
	"github.com/mmeshcher/rehome-backend/internal/validation"
)

const otpTTL = 5 * time.Minute

// ErrOTPInvalid возвращается при несовпадении кода подтверждения.
var (
	ErrOTPInvalid = errors.New("otp code invalid")
	// ErrOTPExpired возвращается для кода с истёкшим сроком действия.
	ErrOTPExpired = errors.New("otp code expired")
	// ErrPaymentInsufficient возвращается, если оплаченная сумма меньше суммы заказа.
	ErrPaymentInsufficient = errors.New("paid amount is less than order amount")
	// ErrOrderNoInvoice возвращается для заказа без привязанного счёта QPay.
	ErrOrderNoInvoice = errors.New("order has no qpay invoice")
	// ErrInvalidImage возвращается, если загруженный файл не является изображением.
	ErrInvalidImage = errors.New("invalid image file")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, username, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateUser(ctx context.Context, id int64, username, email string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	AddTransaction(ctx context.Context, userID, amount int64, kind model.TransactionKind, description string) error
	GetRecentTransactions(ctx context.Context, userID int64, limit int) ([]model.CreditTransaction, error)
	InvalidateOTPCodes(ctx context.Context, target string) error
	CreateOTPCode(ctx context.Context, target, code string, expiresAt time.Time) (*model.OTPCode, error)
	GetLatestUnusedOTP(ctx context.Context, target, code string) (*model.OTPCode, error)
	MarkOTPUsed(ctx context.Context, id int64) error
	GetActivePackages(ctx context.Context) ([]model.Package, error)
	GetActivePackage(ctx context.Context, id int64) (*model.Package, error)
	GetPackageByID(ctx context.Context, id int64) (*model.Package, error)
	CreateOrder(ctx context.Context, userID, packageID, amount int64) (*model.Order, error)
	SetOrderInvoice(ctx context.Context, orderID int64, invoiceID, invoiceCode string) error
	MarkOrderFailed(ctx context.Context, orderID int64) error
	GetPendingOrderByInvoiceRef(ctx context.Context, invoiceRef string) (*model.Order, error)
	SettleOrder(ctx context.Context, orderID, userID, credits int64, description string) error
	GetOrderForUser(ctx context.Context, orderID, userID int64) (*model.Order, int64, error)
	SaveGeneratedImage(ctx context.Context, img *model.GeneratedImage, debitDescription string) (*model.GeneratedImage, error)
	GetGeneratedImagesByUser(ctx context.Context, userID int64, limit int) ([]model.GeneratedImage, error)
}

// ArtifactStore описывает контракт файлового хранилища изображений.
type ArtifactStore interface {
	SaveOriginal(data []byte) (string, error)
	SaveGenerated(data []byte) (string, error)
	Remove(rel string) error
}

// Options содержит продуктовые параметры сервиса.
type Options struct {
	// WelcomeCredits — размер приветственного бонуса.
	WelcomeCredits int64
	// OTPTestCode — фиксированный код для тестовых стендов; пустое значение
	// включает генерацию случайного кода.
	OTPTestCode string
	// CallbackBaseURL — базовый адрес, на который шлюз доставляет вебхуки.
	CallbackBaseURL string
}

// Service содержит бизнес-логику сервиса ReHome.
type Service struct {
	repo        Repository
	gateway     qpay.Gateway
	transformer Transformer
	files       ArtifactStore
	opts        Options
}

// Transformer описывает контракт провайдера генерации изображений.
type Transformer interface {
	TransformImage(ctx context.Context, imagePNG []byte, instruction string) ([]byte, error)
}

// NewService создаёт новый сервис с указанными зависимостями.
func NewService(repo Repository, gateway qpay.Gateway, transformer Transformer, files ArtifactStore, opts Options) *Service {
	return &Service{
		repo:        repo,
		gateway:     gateway,
		transformer: transformer,
		files:       files,
		opts:        opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// SendOTP аннулирует прежние коды адресата и выпускает новый с пятиминутным
// сроком действия. Возвращает выпущенный код и признак тестового режима.
func (s *Service) SendOTP(ctx context.Context, target string) (string, bool, error) {
	testMode := s.opts.OTPTestCode != ""

	code := s.opts.OTPTestCode
	if code == "" {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return "", false, fmt.Errorf("generate otp code: %w", err)
		}
		code = strconv.FormatInt(n.Int64()+100000, 10)
	}

	if err := s.repo.InvalidateOTPCodes(ctx, target); err != nil {
		return "", false, err
	}

	if _, err := s.repo.CreateOTPCode(ctx, target, code, time.Now().Add(otpTTL)); err != nil {
		return "", false, err
	}

	return code, testMode, nil
}

// VerifyOTP проверяет код подтверждения и возвращает пользователя.
// Несуществующий пользователь создаётся автоматически; второй результат
// сообщает, произошла ли регистрация.
func (s *Service) VerifyOTP(ctx context.Context, target, code, username string) (*model.User, bool, error) {
	otp, err := s.repo.GetLatestUnusedOTP(ctx, target, code)
	if err != nil {
		if errors.Is(err, repository.ErrOTPNotFound) {
			return nil, false, ErrOTPInvalid
		}
		return nil, false, err
	}

	// Просроченный код не расходуется: причину отказа видно по повторной попытке
	if time.Now().After(otp.ExpiresAt) {
		return nil, false, ErrOTPExpired
	}

	if err := s.repo.MarkOTPUsed(ctx, otp.ID); err != nil {
		return nil, false, err
	}

	user, err := s.repo.GetUserByEmail(ctx, target)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, false, err
	}

	user, err = s.provisionUser(ctx, target, username)
	if err != nil {
		return nil, false, err
	}

	return user, true, nil
}

// provisionUser создаёт пользователя по адресату OTP и явно начисляет
// приветственный бонус через кредитный журнал.
func (s *Service) provisionUser(ctx context.Context, target, username string) (*model.User, error) {
	if username == "" {
		if validation.IsEmail(target) {
			username = strings.SplitN(target, "@", 2)[0]
		} else {
			username = "user_" + target[len(target)-4:]
		}
	}

	base := username
	for counter := 1; ; counter++ {
		exists, err := s.repo.UsernameExists(ctx, username)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		username = base + strconv.Itoa(counter)
	}

	user, err := s.repo.CreateUser(ctx, username, target)
	if err != nil {
		return nil, err
	}

	if s.opts.WelcomeCredits > 0 {
		desc := fmt.Sprintf("Welcome bonus - %d free credits", s.opts.WelcomeCredits)
		if err := s.repo.AddTransaction(ctx, user.ID, s.opts.WelcomeCredits, model.TransactionAdd, desc); err != nil {
			return nil, err
		}
	}

	return user, nil
}

// GetProfile возвращает пользователя вместе с вычисленным балансом.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, int64, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	return user, balance, nil
}

// UpdateProfile обновляет имя пользователя и email и возвращает профиль с балансом.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, username, email string) (*model.User, int64, error) {
	user, err := s.repo.UpdateUser(ctx, userID, username, email)
	if err != nil {
		return nil, 0, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	return user, balance, nil
}

// Dashboard объединяет данные главного экрана пользователя.
type Dashboard struct {
	User               *model.User
	CreditBalance      int64
	RecentTransactions []model.CreditTransaction
	GeneratedImages    []model.GeneratedImage
}

// GetDashboard собирает профиль, баланс, последние операции и все изображения пользователя.
func (s *Service) GetDashboard(ctx context.Context, userID int64) (*Dashboard, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.repo.GetRecentTransactions(ctx, userID, 10)
	if err != nil {
		return nil, err
	}

	images, err := s.repo.GetGeneratedImagesByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		User:               user,
		CreditBalance:      balance,
		RecentTransactions: transactions,
		GeneratedImages:    images,
	}, nil
}

// ListActivePackages возвращает пакеты, доступные для покупки.
func (s *Service) ListActivePackages(ctx context.Context) ([]model.Package, error) {
	return s.repo.GetActivePackages(ctx)
}

// PurchaseCredits создаёт pending-заказ на пакет и запрашивает счёт у QPay.
// При любой ошибке выставления счёта заказ переводится в failed без ретраев.
func (s *Service) PurchaseCredits(ctx context.Context, userID, packageID int64) (*model.Order, *qpay.Invoice, error) {
	pkg, err := s.repo.GetActivePackage(ctx, packageID)
	if err != nil {
		return nil, nil, err
	}

	order, err := s.repo.CreateOrder(ctx, userID, pkg.ID, pkg.Price)
	if err != nil {
		return nil, nil, err
	}

	invoice, err := s.gateway.CreateInvoice(ctx, qpay.InvoiceRequest{
		SenderInvoiceNo: strconv.FormatInt(order.ID, 10),
		Description:     fmt.Sprintf("ReHome - %s багц (%d кредит)", pkg.Name, pkg.Credits),
		Amount:          order.Amount,
		CallbackURL:     fmt.Sprintf("%s/api/qpay-webhook/?invoiceid=%d", strings.TrimRight(s.opts.CallbackBaseURL, "/"), order.ID),
	})
	if err != nil {
		if failErr := s.repo.MarkOrderFailed(ctx, order.ID); failErr != nil {
			return nil, nil, errors.Join(err, failErr)
		}
		return nil, nil, err
	}

	// Шлюз не возвращает отдельного invoice_code, используется invoice_id
	if err := s.repo.SetOrderInvoice(ctx, order.ID, invoice.InvoiceID, invoice.InvoiceID); err != nil {
		return nil, nil, err
	}

	order.QPayInvoiceID = invoice.InvoiceID
	order.QPayInvoiceCode = invoice.InvoiceID

	return order, invoice, nil
}

// SettleOrder подтверждает оплату заказа. Сюда сходятся оба пути — вебхук шлюза
// и опрос клиента; повторный вызов для уже оплаченного заказа возвращает
// ErrOrderNotFound и кредиты не начисляет.
func (s *Service) SettleOrder(ctx context.Context, invoiceRef string) error {
	order, err := s.repo.GetPendingOrderByInvoiceRef(ctx, invoiceRef)
	if err != nil {
		return err
	}

	if order.QPayInvoiceID == "" {
		return ErrOrderNoInvoice
	}

	check, err := s.gateway.CheckPayment(ctx, order.QPayInvoiceID)
	if err != nil {
		return err
	}

	if check.PaidAmount < float64(order.Amount) {
		return ErrPaymentInsufficient
	}

	pkg, err := s.repo.GetPackageByID(ctx, order.PackageID)
	if err != nil {
		return err
	}

	desc := fmt.Sprintf("Purchased %s package - %d credits", pkg.Name, pkg.Credits)
	return s.repo.SettleOrder(ctx, order.ID, order.UserID, pkg.Credits, desc)
}

// OrderStatus описывает состояние заказа для клиентского опроса.
type OrderStatus struct {
	OrderID int64
	Status  model.OrderStatus
	IsPaid  bool
	Credits int64
}

// CheckOrderStatus возвращает статус собственного заказа пользователя.
func (s *Service) CheckOrderStatus(ctx context.Context, userID, orderID int64) (*OrderStatus, error) {
	order, credits, err := s.repo.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	res := &OrderStatus{
		OrderID: order.ID,
		Status:  order.Status,
		IsPaid:  order.Status == model.OrderStatusPaid,
	}
	if res.IsPaid {
		res.Credits = credits
	}

	return res, nil
}

// GetRecentImages возвращает последние изображения пользователя.
func (s *Service) GetRecentImages(ctx context.Context, userID int64, limit int) ([]model.GeneratedImage, error) {
	return s.repo.GetGeneratedImagesByUser(ctx, userID, limit)
}

// GenerateImage проверяет баланс, нормализует загруженное изображение,
// вызывает провайдера и атомарно сохраняет артефакты вместе со списанием
// одного кредита.
func (s *Service) GenerateImage(ctx context.Context, userID int64, imageData []byte, style, roomType, description string) (*model.GeneratedImage, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < 1 {
		return nil, repository.ErrInsufficientBalance
	}

	normalized, err := imaging.Normalize(imageData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, err)
	}

	instruction := buildInstruction(style, roomType, description)

	generated, err := s.transformer.TransformImage(ctx, normalized, instruction)
	if err != nil {
		return nil, err
	}
	if len(generated) == 0 {
		return nil, fmt.Errorf("generated image file is empty")
	}

	originalPath, err := s.files.SaveOriginal(normalized)
	if err != nil {
		return nil, err
	}

	generatedPath, err := s.files.SaveGenerated(generated)
	if err != nil {
		_ = s.files.Remove(originalPath)
		return nil, err
	}

	img, err := s.repo.SaveGeneratedImage(ctx, &model.GeneratedImage{
		UserID:         userID,
		OriginalImage:  originalPath,
		GeneratedImage: generatedPath,
		Style:          style,
		RoomType:       roomType,
		Description:    description,
	}, fmt.Sprintf("Generated %s style image", style))
	if err != nil {
		_ = s.files.Remove(originalPath)
		_ = s.files.Remove(generatedPath)
		return nil, err
	}

	return img, nil
}

func buildInstruction(style, roomType, description string) string {
	room := roomType
	if room == "" {
		room = "room"
	}

	instruction := fmt.Sprintf("Using the provided image of a %s interior, change the entire room design to %s style. "+
		"Keep the exact room layout, floor plan, windows and doors positions unchanged. "+
		"Preserve the architectural elements, dimensions, and proportions. "+
		"Maintain realistic proportions, natural lighting, and professional interior design quality. "+
		"Only change the furniture, decor, colors, materials, and styling while keeping all structural elements identical.",
		room, style)

	if description != "" {
		instruction += " Additional requirements: " + description
	}

	return instruction
}
