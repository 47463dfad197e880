// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/rehome-backend/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUsernameTaken возвращается при попытке создать пользователя с занятым именем.
var (
	ErrUsernameTaken = errors.New("username already taken")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOTPNotFound возвращается, если подходящий неиспользованный код не найден.
	ErrOTPNotFound = errors.New("otp code not found")
	// ErrPackageNotFound возвращается, если активный пакет с таким id не найден.
	ErrPackageNotFound = errors.New("package not found")
	// ErrOrderNotFound возвращается, если заказ не найден или уже обработан.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance возвращается при попытке списания сверх баланса.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, username, email string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id, username, email, created_at`,
		username, email,
	).Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

// GetUserByEmail возвращает пользователя по содержимому колонки email.
// В колонке хранится либо email, либо номер телефона.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, created_at FROM users WHERE email = $1 ORDER BY id LIMIT 1`,
		email,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UsernameExists проверяет занятость имени пользователя.
func (r *PostgresRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return exists, nil
}

// UpdateUser обновляет имя пользователя и email.
func (r *PostgresRepository) UpdateUser(ctx context.Context, id int64, username, email string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET username = $2, email = $3 WHERE id = $1 RETURNING id, username, email, created_at`,
		id, username, email,
	).Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return &u, nil
}

// GetBalance возвращает кредитный баланс пользователя: сумма add минус сумма use.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = 'add' THEN amount ELSE -amount END), 0)
		 FROM credit_transactions
		 WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return balance, nil
}

// AddTransaction добавляет запись в кредитный журнал. Записи никогда не изменяются и не удаляются.
func (r *PostgresRepository) AddTransaction(ctx context.Context, userID, amount int64, kind model.TransactionKind, description string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, amount, kind, description) VALUES ($1, $2, $3, $4)`,
		userID, amount, string(kind), description,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetRecentTransactions возвращает последние записи кредитного журнала пользователя.
func (r *PostgresRepository) GetRecentTransactions(ctx context.Context, userID int64, limit int) ([]model.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, kind, description, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.CreditTransaction
	for rows.Next() {
		var (
			tr   model.CreditTransaction
			kind string
		)
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Amount, &kind, &tr.Description, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tr.Kind = model.TransactionKind(kind)
		res = append(res, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InvalidateOTPCodes помечает использованными все неиспользованные коды адресата.
func (r *PostgresRepository) InvalidateOTPCodes(ctx context.Context, target string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE otp_codes SET is_used = TRUE WHERE phone_or_email = $1 AND is_used = FALSE`,
		target,
	)
	if err != nil {
		return fmt.Errorf("invalidate otp codes: %w", err)
	}
	return nil
}

// CreateOTPCode сохраняет новый одноразовый код с заданным сроком действия.
func (r *PostgresRepository) CreateOTPCode(ctx context.Context, target, code string, expiresAt time.Time) (*model.OTPCode, error) {
	var otp model.OTPCode
	err := r.pool.QueryRow(ctx,
		`INSERT INTO otp_codes (phone_or_email, code, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING id, phone_or_email, code, is_used, created_at, expires_at`,
		target, code, expiresAt,
	).Scan(&otp.ID, &otp.PhoneOrEmail, &otp.Code, &otp.IsUsed, &otp.CreatedAt, &otp.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert otp code: %w", err)
	}
	return &otp, nil
}

// GetLatestUnusedOTP возвращает самый свежий неиспользованный код адресата с точным совпадением.
func (r *PostgresRepository) GetLatestUnusedOTP(ctx context.Context, target, code string) (*model.OTPCode, error) {
	var otp model.OTPCode
	err := r.pool.QueryRow(ctx,
		`SELECT id, phone_or_email, code, is_used, created_at, expires_at
		 FROM otp_codes
		 WHERE phone_or_email = $1 AND code = $2 AND is_used = FALSE
		 ORDER BY created_at DESC
		 LIMIT 1`,
		target, code,
	).Scan(&otp.ID, &otp.PhoneOrEmail, &otp.Code, &otp.IsUsed, &otp.CreatedAt, &otp.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("select otp code: %w", err)
	}
	return &otp, nil
}

// MarkOTPUsed помечает код использованным.
func (r *PostgresRepository) MarkOTPUsed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE otp_codes SET is_used = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark otp used: %w", err)
	}
	return nil
}

// GetActivePackages возвращает список активных пакетов кредитов.
func (r *PostgresRepository) GetActivePackages(ctx context.Context) ([]model.Package, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, credits, price, is_active FROM packages WHERE is_active = TRUE ORDER BY price`,
	)
	if err != nil {
		return nil, fmt.Errorf("select packages: %w", err)
	}
	defer rows.Close()

	var res []model.Package
	for rows.Next() {
		var p model.Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetActivePackage возвращает активный пакет по идентификатору.
func (r *PostgresRepository) GetActivePackage(ctx context.Context, id int64) (*model.Package, error) {
	var p model.Package
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, credits, price, is_active FROM packages WHERE id = $1 AND is_active = TRUE`,
		id,
	).Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("select package: %w", err)
	}
	return &p, nil
}

// GetPackageByID возвращает пакет по идентификатору независимо от активности.
// Нужен при подтверждении оплаты: пакет мог быть снят с продажи после создания заказа.
func (r *PostgresRepository) GetPackageByID(ctx context.Context, id int64) (*model.Package, error) {
	var p model.Package
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, credits, price, is_active FROM packages WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("select package: %w", err)
	}
	return &p, nil
}

// CreateOrder создаёт заказ в статусе pending с зафиксированной суммой пакета.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID, packageID, amount int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, package_id, amount, status)
		 VALUES ($1, $2, $3, 'pending')
		 RETURNING id, user_id, package_id, amount, status, qpay_invoice_id, qpay_invoice_code, created_at, updated_at`,
		userID, packageID, amount,
	)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.PackageID, &o.Amount, &status,
		&o.QPayInvoiceID, &o.QPayInvoiceCode, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// SetOrderInvoice сохраняет идентификаторы счёта QPay на заказе.
func (r *PostgresRepository) SetOrderInvoice(ctx context.Context, orderID int64, invoiceID, invoiceCode string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET qpay_invoice_id = $2, qpay_invoice_code = $3, updated_at = now() WHERE id = $1`,
		orderID, invoiceID, invoiceCode,
	)
	if err != nil {
		return fmt.Errorf("set order invoice: %w", err)
	}
	return nil
}

// MarkOrderFailed переводит заказ в терминальный статус failed.
func (r *PostgresRepository) MarkOrderFailed(ctx context.Context, orderID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = 'failed', updated_at = now() WHERE id = $1 AND status = 'pending'`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return nil
}

// GetPendingOrderByInvoiceRef ищет pending-заказ по собственному id,
// а при неудаче — по идентификатору счёта QPay. Уже обработанный заказ
// неотличим от несуществующего: в обоих случаях возвращается ErrOrderNotFound.
func (r *PostgresRepository) GetPendingOrderByInvoiceRef(ctx context.Context, invoiceRef string) (*model.Order, error) {
	if id, err := strconv.ParseInt(invoiceRef, 10, 64); err == nil {
		row := r.pool.QueryRow(ctx,
			`SELECT id, user_id, package_id, amount, status, qpay_invoice_id, qpay_invoice_code, created_at, updated_at
			 FROM orders
			 WHERE id = $1 AND status = 'pending'`,
			id,
		)
		o, scanErr := scanOrder(row)
		if scanErr == nil {
			return o, nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("select order by id: %w", scanErr)
		}
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, package_id, amount, status, qpay_invoice_id, qpay_invoice_code, created_at, updated_at
		 FROM orders
		 WHERE qpay_invoice_id = $1 AND status = 'pending'`,
		invoiceRef,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order by invoice: %w", err)
	}
	return o, nil
}

// SettleOrder в одной транзакции переводит pending-заказ в paid и начисляет кредиты.
// Условный UPDATE по статусу гарантирует ровно одно начисление на заказ
// даже при повторной доставке вебхука.
func (r *PostgresRepository) SettleOrder(ctx context.Context, orderID, userID, credits int64, description string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE orders SET status = 'paid', updated_at = now() WHERE id = $1 AND status = 'pending'`,
			orderID,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO credit_transactions (user_id, amount, kind, description) VALUES ($1, $2, 'add', $3)`,
			userID, credits, description,
		)
		if err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetOrderForUser возвращает заказ пользователя вместе с размером пакета в кредитах.
func (r *PostgresRepository) GetOrderForUser(ctx context.Context, orderID, userID int64) (*model.Order, int64, error) {
	var (
		o       model.Order
		status  string
		credits int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT o.id, o.user_id, o.package_id, o.amount, o.status,
		        o.qpay_invoice_id, o.qpay_invoice_code, o.created_at, o.updated_at,
		        p.credits
		 FROM orders o
		 JOIN packages p ON p.id = o.package_id
		 WHERE o.id = $1 AND o.user_id = $2`,
		orderID, userID,
	).Scan(&o.ID, &o.UserID, &o.PackageID, &o.Amount, &status,
		&o.QPayInvoiceID, &o.QPayInvoiceCode, &o.CreatedAt, &o.UpdatedAt, &credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrOrderNotFound
		}
		return nil, 0, fmt.Errorf("select order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, credits, nil
}

// SaveGeneratedImage в одной транзакции сохраняет запись об изображении и
// списывает один кредит. Строка пользователя блокируется FOR UPDATE, чтобы
// параллельные генерации не увели баланс в минус.
func (r *PostgresRepository) SaveGeneratedImage(ctx context.Context, img *model.GeneratedImage, debitDescription string) (*model.GeneratedImage, error) {
	var saved model.GeneratedImage

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, img.UserID).Scan(&dummy)
		if err != nil {
			return fmt.Errorf("lock user for update: %w", err)
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(CASE WHEN kind = 'add' THEN amount ELSE -amount END), 0)
			 FROM credit_transactions
			 WHERE user_id = $1`,
			img.UserID,
		).Scan(&balance)
		if err != nil {
			return fmt.Errorf("sum transactions: %w", err)
		}

		if balance < 1 {
			return ErrInsufficientBalance
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO generated_images (user_id, original_image, generated_image, style, room_type, description)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id, user_id, original_image, generated_image, style, room_type, description, created_at`,
			img.UserID, img.OriginalImage, img.GeneratedImage, img.Style, img.RoomType, img.Description,
		).Scan(&saved.ID, &saved.UserID, &saved.OriginalImage, &saved.GeneratedImage,
			&saved.Style, &saved.RoomType, &saved.Description, &saved.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert generated image: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO credit_transactions (user_id, amount, kind, description) VALUES ($1, 1, 'use', $2)`,
			img.UserID, debitDescription,
		)
		if err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &saved, nil
}

// GetGeneratedImagesByUser возвращает изображения пользователя, от новых к старым.
// limit <= 0 означает отсутствие ограничения.
func (r *PostgresRepository) GetGeneratedImagesByUser(ctx context.Context, userID int64, limit int) ([]model.GeneratedImage, error) {
	query := `SELECT id, user_id, original_image, generated_image, style, room_type, description, created_at
	          FROM generated_images
	          WHERE user_id = $1
	          ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select generated images: %w", err)
	}
	defer rows.Close()

	var res []model.GeneratedImage
	for rows.Next() {
		var img model.GeneratedImage
		if err := rows.Scan(&img.ID, &img.UserID, &img.OriginalImage, &img.GeneratedImage,
			&img.Style, &img.RoomType, &img.Description, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generated image: %w", err)
		}
		res = append(res, img)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
