package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/rehome-backend/internal/model"
	"github.com/mmeshcher/rehome-backend/internal/qpay"
	"github.com/mmeshcher/rehome-backend/internal/repository"
)

type stubRepo struct {
	balance    int64
	balanceErr error

	transactions []model.CreditTransaction

	otp    *model.OTPCode
	otpErr error

	usedOTPIDs []int64

	invalidatedTargets []string
	createdCodes       []string

	userByEmail    *model.User
	userByEmailErr error

	takenUsernames map[string]bool
	createdUser    *model.User

	activePackage    *model.Package
	activePackageErr error
	packageByID      *model.Package

	createdOrder  *model.Order
	failedOrders  []int64
	invoiceSet    [][2]string
	settledOrders []int64
	settleErr     error
	settleCredits int64

	orderForUser        *model.Order
	orderForUserCredits int64
	orderForUserErr     error

	savedImage    *model.GeneratedImage
	savedDebit    string
	saveImageErr  error
	imagesForUser []model.GeneratedImage
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, username, email string) (*model.User, error) {
	s.createdUser = &model.User{ID: 10, Username: username, Email: email, CreatedAt: time.Now()}
	return s.createdUser, nil
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return &model.User{ID: id, Username: "user", Email: "u@example.com"}, nil
}

func (s *stubRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.userByEmail, s.userByEmailErr
}

func (s *stubRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.takenUsernames[username], nil
}

func (s *stubRepo) UpdateUser(ctx context.Context, id int64, username, email string) (*model.User, error) {
	return &model.User{ID: id, Username: username, Email: email}, nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubRepo) AddTransaction(ctx context.Context, userID, amount int64, kind model.TransactionKind, description string) error {
	s.transactions = append(s.transactions, model.CreditTransaction{
		UserID: userID, Amount: amount, Kind: kind, Description: description,
	})
	return nil
}

func (s *stubRepo) GetRecentTransactions(ctx context.Context, userID int64, limit int) ([]model.CreditTransaction, error) {
	return s.transactions, nil
}

func (s *stubRepo) InvalidateOTPCodes(ctx context.Context, target string) error {
	s.invalidatedTargets = append(s.invalidatedTargets, target)
	return nil
}

func (s *stubRepo) CreateOTPCode(ctx context.Context, target, code string, expiresAt time.Time) (*model.OTPCode, error) {
	s.createdCodes = append(s.createdCodes, code)
	return &model.OTPCode{ID: 1, PhoneOrEmail: target, Code: code, ExpiresAt: expiresAt}, nil
}

func (s *stubRepo) GetLatestUnusedOTP(ctx context.Context, target, code string) (*model.OTPCode, error) {
	return s.otp, s.otpErr
}

func (s *stubRepo) MarkOTPUsed(ctx context.Context, id int64) error {
	s.usedOTPIDs = append(s.usedOTPIDs, id)
	return nil
}

func (s *stubRepo) GetActivePackages(ctx context.Context) ([]model.Package, error) {
	if s.activePackage == nil {
		return nil, nil
	}
	return []model.Package{*s.activePackage}, nil
}

func (s *stubRepo) GetActivePackage(ctx context.Context, id int64) (*model.Package, error) {
	return s.activePackage, s.activePackageErr
}

func (s *stubRepo) GetPackageByID(ctx context.Context, id int64) (*model.Package, error) {
	return s.packageByID, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, userID, packageID, amount int64) (*model.Order, error) {
	s.createdOrder = &model.Order{
		ID: 42, UserID: userID, PackageID: packageID, Amount: amount,
		Status: model.OrderStatusPending,
	}
	return s.createdOrder, nil
}

func (s *stubRepo) SetOrderInvoice(ctx context.Context, orderID int64, invoiceID, invoiceCode string) error {
	s.invoiceSet = append(s.invoiceSet, [2]string{invoiceID, invoiceCode})
	return nil
}

func (s *stubRepo) MarkOrderFailed(ctx context.Context, orderID int64) error {
	s.failedOrders = append(s.failedOrders, orderID)
	return nil
}

func (s *stubRepo) GetPendingOrderByInvoiceRef(ctx context.Context, invoiceRef string) (*model.Order, error) {
	return s.orderForUser, s.orderForUserErr
}

func (s *stubRepo) SettleOrder(ctx context.Context, orderID, userID, credits int64, description string) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	s.settledOrders = append(s.settledOrders, orderID)
	s.settleCredits = credits
	return nil
}

func (s *stubRepo) GetOrderForUser(ctx context.Context, orderID, userID int64) (*model.Order, int64, error) {
	return s.orderForUser, s.orderForUserCredits, s.orderForUserErr
}

func (s *stubRepo) SaveGeneratedImage(ctx context.Context, img *model.GeneratedImage, debitDescription string) (*model.GeneratedImage, error) {
	if s.saveImageErr != nil {
		return nil, s.saveImageErr
	}
	saved := *img
	saved.ID = 7
	s.savedImage = &saved
	s.savedDebit = debitDescription
	return &saved, nil
}

func (s *stubRepo) GetGeneratedImagesByUser(ctx context.Context, userID int64, limit int) ([]model.GeneratedImage, error) {
	if limit > 0 && limit < len(s.imagesForUser) {
		return s.imagesForUser[:limit], nil
	}
	return s.imagesForUser, nil
}

type stubGateway struct {
	invoice       *qpay.Invoice
	invoiceErr    error
	check         *qpay.PaymentCheck
	checkErr      error
	lastInvoice   qpay.InvoiceRequest
	checkedIDs    []string
	invoiceCalled bool
}

func (g *stubGateway) CreateInvoice(ctx context.Context, req qpay.InvoiceRequest) (*qpay.Invoice, error) {
	g.invoiceCalled = true
	g.lastInvoice = req
	return g.invoice, g.invoiceErr
}

func (g *stubGateway) CheckPayment(ctx context.Context, invoiceID string) (*qpay.PaymentCheck, error) {
	g.checkedIDs = append(g.checkedIDs, invoiceID)
	return g.check, g.checkErr
}

type stubTransformer struct {
	result []byte
	err    error
	calls  int
}

func (t *stubTransformer) TransformImage(ctx context.Context, imagePNG []byte, instruction string) ([]byte, error) {
	t.calls++
	return t.result, t.err
}

type stubFiles struct {
	saved   []string
	removed []string
}

func (f *stubFiles) SaveOriginal(data []byte) (string, error) {
	path := "original_images/o.png"
	f.saved = append(f.saved, path)
	return path, nil
}

func (f *stubFiles) SaveGenerated(data []byte) (string, error) {
	path := "generated_images/g.png"
	f.saved = append(f.saved, path)
	return path, nil
}

func (f *stubFiles) Remove(rel string) error {
	f.removed = append(f.removed, rel)
	return nil
}

func TestSendOTP_TestModeUsesFixedCode(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, nil, Options{OTPTestCode: "123456"})

	code, testMode, err := svc.SendOTP(context.Background(), "99112233")
	if err != nil {
		t.Fatalf("SendOTP error: %v", err)
	}
	if code != "123456" || !testMode {
		t.Fatalf("code=%q testMode=%v, want fixed test code", code, testMode)
	}
	if len(repo.invalidatedTargets) != 1 || repo.invalidatedTargets[0] != "99112233" {
		t.Fatalf("old codes not invalidated: %v", repo.invalidatedTargets)
	}
	if len(repo.createdCodes) != 1 {
		t.Fatalf("created codes = %v, want exactly one", repo.createdCodes)
	}
}

func TestSendOTP_RandomCodeIsSixDigits(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, nil, Options{})

	code, testMode, err := svc.SendOTP(context.Background(), "99112233")
	if err != nil {
		t.Fatalf("SendOTP error: %v", err)
	}
	if testMode {
		t.Fatalf("testMode = true without OTPTestCode")
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 digits", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("code %q contains non-digit", code)
		}
	}
}

func TestVerifyOTP_WrongCodeLeavesCodeUnused(t *testing.T) {
	repo := &stubRepo{otpErr: repository.ErrOTPNotFound}
	svc := NewService(repo, nil, nil, nil, Options{})

	_, _, err := svc.VerifyOTP(context.Background(), "99112233", "654321", "")
	if !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("err = %v, want ErrOTPInvalid", err)
	}
	if len(repo.usedOTPIDs) != 0 {
		t.Fatalf("wrong code must not consume anything, used=%v", repo.usedOTPIDs)
	}
}

func TestVerifyOTP_ExpiredCodeNotConsumed(t *testing.T) {
	repo := &stubRepo{
		otp: &model.OTPCode{ID: 5, Code: "123456", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	svc := NewService(repo, nil, nil, nil, Options{})

	_, _, err := svc.VerifyOTP(context.Background(), "99112233", "123456", "")
	if !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("err = %v, want ErrOTPExpired", err)
	}
	if len(repo.usedOTPIDs) != 0 {
		t.Fatalf("expired code must not be consumed, used=%v", repo.usedOTPIDs)
	}
}

func TestVerifyOTP_ExistingUserLogsIn(t *testing.T) {
	repo := &stubRepo{
		otp:         &model.OTPCode{ID: 5, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)},
		userByEmail: &model.User{ID: 3, Username: "demo", Email: "99112233"},
	}
	svc := NewService(repo, nil, nil, nil, Options{WelcomeCredits: 300})

	user, created, err := svc.VerifyOTP(context.Background(), "99112233", "123456", "")
	if err != nil {
		t.Fatalf("VerifyOTP error: %v", err)
	}
	if created {
		t.Fatalf("created = true for existing user")
	}
	if user.ID != 3 {
		t.Fatalf("user.ID = %d, want 3", user.ID)
	}
	if len(repo.usedOTPIDs) != 1 || repo.usedOTPIDs[0] != 5 {
		t.Fatalf("otp not consumed exactly once: %v", repo.usedOTPIDs)
	}
	if len(repo.transactions) != 0 {
		t.Fatalf("existing user must not receive welcome bonus again")
	}
}

func TestVerifyOTP_ProvisionsUserFromPhone(t *testing.T) {
	repo := &stubRepo{
		otp:            &model.OTPCode{ID: 5, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)},
		userByEmailErr: repository.ErrUserNotFound,
	}
	svc := NewService(repo, nil, nil, nil, Options{WelcomeCredits: 300})

	user, created, err := svc.VerifyOTP(context.Background(), "99112233", "123456", "")
	if err != nil {
		t.Fatalf("VerifyOTP error: %v", err)
	}
	if !created {
		t.Fatalf("created = false for new user")
	}
	if user.Username != "user_2233" {
		t.Fatalf("username = %q, want user_2233", user.Username)
	}
	if user.Email != "99112233" {
		t.Fatalf("email = %q, want phone stored in email column", user.Email)
	}
	if len(repo.transactions) != 1 {
		t.Fatalf("welcome transactions = %d, want exactly 1", len(repo.transactions))
	}
	tr := repo.transactions[0]
	if tr.Amount != 300 || tr.Kind != model.TransactionAdd {
		t.Fatalf("welcome grant = %+v, want add 300", tr)
	}
	if !strings.Contains(tr.Description, "Welcome bonus - 300 free credits") {
		t.Fatalf("welcome description = %q", tr.Description)
	}
}

func TestVerifyOTP_ProvisionsUserFromEmailWithDedup(t *testing.T) {
	repo := &stubRepo{
		otp:            &model.OTPCode{ID: 5, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)},
		userByEmailErr: repository.ErrUserNotFound,
		takenUsernames: map[string]bool{"demo": true, "demo1": true},
	}
	svc := NewService(repo, nil, nil, nil, Options{WelcomeCredits: 300})

	user, _, err := svc.VerifyOTP(context.Background(), "demo@example.com", "123456", "")
	if err != nil {
		t.Fatalf("VerifyOTP error: %v", err)
	}
	if user.Username != "demo2" {
		t.Fatalf("username = %q, want demo2", user.Username)
	}
}

func TestPurchaseCredits_Success(t *testing.T) {
	repo := &stubRepo{
		activePackage: &model.Package{ID: 1, Name: "Starter", Credits: 25, Price: 10000, IsActive: true},
	}
	gw := &stubGateway{
		invoice: &qpay.Invoice{InvoiceID: "inv-1", QRText: "qr"},
	}
	svc := NewService(repo, gw, nil, nil, Options{CallbackBaseURL: "https://rehome.mn"})

	order, invoice, err := svc.PurchaseCredits(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("PurchaseCredits error: %v", err)
	}
	if order.Status != model.OrderStatusPending {
		t.Fatalf("order status = %s, want pending", order.Status)
	}
	if order.Amount != 10000 {
		t.Fatalf("order amount = %d, want package price", order.Amount)
	}
	if order.QPayInvoiceID != "inv-1" || invoice.InvoiceID != "inv-1" {
		t.Fatalf("invoice id not propagated: %+v", order)
	}
	if gw.lastInvoice.CallbackURL != "https://rehome.mn/api/qpay-webhook/?invoiceid=42" {
		t.Fatalf("callback url = %q", gw.lastInvoice.CallbackURL)
	}
	if !strings.Contains(gw.lastInvoice.Description, "Starter") {
		t.Fatalf("invoice description = %q", gw.lastInvoice.Description)
	}
}

func TestPurchaseCredits_GatewayFailureMarksOrderFailed(t *testing.T) {
	repo := &stubRepo{
		activePackage: &model.Package{ID: 1, Name: "Starter", Credits: 25, Price: 10000, IsActive: true},
	}
	gw := &stubGateway{invoiceErr: errors.New("gateway down")}
	svc := NewService(repo, gw, nil, nil, Options{})

	_, _, err := svc.PurchaseCredits(context.Background(), 3, 1)
	if err == nil {
		t.Fatalf("expected error from gateway failure")
	}
	if len(repo.failedOrders) != 1 || repo.failedOrders[0] != 42 {
		t.Fatalf("order not marked failed: %v", repo.failedOrders)
	}
}

func TestPurchaseCredits_UnknownPackage(t *testing.T) {
	repo := &stubRepo{activePackageErr: repository.ErrPackageNotFound}
	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	_, _, err := svc.PurchaseCredits(context.Background(), 3, 99)
	if !errors.Is(err, repository.ErrPackageNotFound) {
		t.Fatalf("err = %v, want ErrPackageNotFound", err)
	}
}

func TestSettleOrder_GrantsCreditsOnce(t *testing.T) {
	repo := &stubRepo{
		orderForUser: &model.Order{
			ID: 42, UserID: 3, PackageID: 1, Amount: 10000,
			Status: model.OrderStatusPending, QPayInvoiceID: "inv-1",
		},
		packageByID: &model.Package{ID: 1, Name: "Starter", Credits: 25, Price: 10000},
	}
	gw := &stubGateway{check: &qpay.PaymentCheck{PaidAmount: 10000}}
	svc := NewService(repo, gw, nil, nil, Options{})

	if err := svc.SettleOrder(context.Background(), "42"); err != nil {
		t.Fatalf("SettleOrder error: %v", err)
	}
	if len(repo.settledOrders) != 1 || repo.settleCredits != 25 {
		t.Fatalf("settle calls = %v credits = %d, want one settle of 25", repo.settledOrders, repo.settleCredits)
	}
	if len(gw.checkedIDs) != 1 || gw.checkedIDs[0] != "inv-1" {
		t.Fatalf("payment checked for %v, want inv-1", gw.checkedIDs)
	}
}

func TestSettleOrder_InsufficientPaymentKeepsOrderPending(t *testing.T) {
	repo := &stubRepo{
		orderForUser: &model.Order{
			ID: 42, UserID: 3, PackageID: 1, Amount: 10000,
			Status: model.OrderStatusPending, QPayInvoiceID: "inv-1",
		},
	}
	gw := &stubGateway{check: &qpay.PaymentCheck{PaidAmount: 5000}}
	svc := NewService(repo, gw, nil, nil, Options{})

	err := svc.SettleOrder(context.Background(), "42")
	if !errors.Is(err, ErrPaymentInsufficient) {
		t.Fatalf("err = %v, want ErrPaymentInsufficient", err)
	}
	if len(repo.settledOrders) != 0 {
		t.Fatalf("order must not be settled on partial payment")
	}
}

func TestSettleOrder_AlreadySettled(t *testing.T) {
	repo := &stubRepo{orderForUserErr: repository.ErrOrderNotFound}
	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	err := svc.SettleOrder(context.Background(), "42")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestCheckOrderStatus_PaidReportsCredits(t *testing.T) {
	repo := &stubRepo{
		orderForUser:        &model.Order{ID: 42, Status: model.OrderStatusPaid},
		orderForUserCredits: 25,
	}
	svc := NewService(repo, nil, nil, nil, Options{})

	st, err := svc.CheckOrderStatus(context.Background(), 3, 42)
	if err != nil {
		t.Fatalf("CheckOrderStatus error: %v", err)
	}
	if !st.IsPaid || st.Credits != 25 {
		t.Fatalf("status = %+v, want paid with 25 credits", st)
	}
}

func TestCheckOrderStatus_PendingReportsZeroCredits(t *testing.T) {
	repo := &stubRepo{
		orderForUser:        &model.Order{ID: 42, Status: model.OrderStatusPending},
		orderForUserCredits: 25,
	}
	svc := NewService(repo, nil, nil, nil, Options{})

	st, err := svc.CheckOrderStatus(context.Background(), 3, 42)
	if err != nil {
		t.Fatalf("CheckOrderStatus error: %v", err)
	}
	if st.IsPaid || st.Credits != 0 {
		t.Fatalf("status = %+v, want pending with 0 credits", st)
	}
}

func TestGenerateImage_InsufficientBalanceSkipsProvider(t *testing.T) {
	repo := &stubRepo{balance: 0}
	tr := &stubTransformer{}
	svc := NewService(repo, nil, tr, &stubFiles{}, Options{})

	_, err := svc.GenerateImage(context.Background(), 3, []byte("img"), "modern", "", "")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if tr.calls != 0 {
		t.Fatalf("provider called %d times with zero balance", tr.calls)
	}
}

func TestGenerateImage_InvalidUpload(t *testing.T) {
	repo := &stubRepo{balance: 5}
	svc := NewService(repo, nil, &stubTransformer{}, &stubFiles{}, Options{})

	_, err := svc.GenerateImage(context.Background(), 3, []byte("not an image"), "modern", "", "")
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
}

func TestGenerateImage_SaveFailureRemovesArtifacts(t *testing.T) {
	repo := &stubRepo{balance: 5, saveImageErr: errors.New("db down")}
	tr := &stubTransformer{result: []byte("generated-bytes")}
	files := &stubFiles{}
	svc := NewService(repo, nil, tr, files, Options{})

	_, err := svc.GenerateImage(context.Background(), 3, tinyPNG(t), "modern", "bedroom", "")
	if err == nil {
		t.Fatalf("expected error from failed save")
	}
	if len(files.removed) != 2 {
		t.Fatalf("removed = %v, want both artifacts cleaned up", files.removed)
	}
}

func TestGenerateImage_Success(t *testing.T) {
	repo := &stubRepo{balance: 1}
	tr := &stubTransformer{result: []byte("generated-bytes")}
	files := &stubFiles{}
	svc := NewService(repo, nil, tr, files, Options{})

	img, err := svc.GenerateImage(context.Background(), 3, tinyPNG(t), "modern", "bedroom", "cozy")
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if img.Style != "modern" || img.RoomType != "bedroom" {
		t.Fatalf("saved image = %+v", img)
	}
	if repo.savedDebit != "Generated modern style image" {
		t.Fatalf("debit description = %q", repo.savedDebit)
	}
	if len(files.removed) != 0 {
		t.Fatalf("no artifacts should be removed on success, got %v", files.removed)
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestBuildInstruction(t *testing.T) {
	got := buildInstruction("modern", "bedroom", "")
	if !strings.Contains(got, "image of a bedroom interior") {
		t.Fatalf("instruction missing room type: %q", got)
	}
	if !strings.Contains(got, "change the entire room design to modern style") {
		t.Fatalf("instruction missing style: %q", got)
	}
	if strings.Contains(got, "Additional requirements") {
		t.Fatalf("instruction must omit requirements when description is empty")
	}

	got = buildInstruction("luxury", "", "gold accents")
	if !strings.Contains(got, "image of a room interior") {
		t.Fatalf("instruction must fall back to generic room: %q", got)
	}
	if !strings.Contains(got, "Additional requirements: gold accents") {
		t.Fatalf("instruction missing description: %q", got)
	}
}
