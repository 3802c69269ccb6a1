// Package funds owns user balances: withdrawals, payment credits, the
// transaction ledger and P&L history reads.
package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"tradeledger/internal/bus"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
)

// DefaultIssuer names the app in authenticator entries.
const DefaultIssuer = "TradeLedger"

// DefaultCurrency is the balance currency when none is configured.
const DefaultCurrency = "INR"

// totpPeriod is the TOTP time step in seconds.
const totpPeriod = 30

// PaymentCapture is a captured payment reported by the payment gateway.
type PaymentCapture struct {
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Status    string          `json:"status"`
}

// Service is the funds bookkeeping API.
type Service struct {
	store   model.FundsStore
	pnl     model.PnLStore
	pub     bus.Publisher
	metrics *metrics.Metrics
	log      *slog.Logger
	issuer   string
	currency string

	Now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCurrency sets the settlement currency every balance is kept in.
// Credits in another currency are rejected.
func WithCurrency(code string) Option {
	return func(s *Service) {
		if c := strings.ToUpper(strings.TrimSpace(code)); c != "" {
			s.currency = c
		}
	}
}

// NewService creates a Service. pub and m may be nil.
func NewService(store model.FundsStore, pnl model.PnLStore, pub bus.Publisher, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		pnl:      pnl,
		pub:      pub,
		metrics:  m,
		log:      logger.With(slog.String("component", "funds")),
		issuer:   DefaultIssuer,
		currency: DefaultCurrency,
		Now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Currency returns the settlement currency.
func (s *Service) Currency() string { return s.currency }

// Funds returns the user's balances, creating a zero row on first sight.
func (s *Service) Funds(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	return s.store.EnsureUser(ctx, userID)
}

// EnsureUser creates a zero-balance user row if none exists.
func (s *Service) EnsureUser(ctx context.Context, userID string) (*model.User, error) {
	return s.Funds(ctx, userID)
}

// Transactions returns the user's ledger, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	if limit < 0 || limit > 500 {
		v := model.NewValidationError()
		v.Add("limit", "must be between 0 and 500")
		return nil, v
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// Withdraw moves amount from balance to withdrawAmount. If the user enrolled
// a TOTP secret, code must be valid within one period of now and each time
// step is accepted once.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, code string) (*model.User, *model.Transaction, error) {
	if userID == "" {
		return nil, nil, model.ErrUnauthorized
	}
	v := model.NewValidationError()
	if !amount.IsPositive() {
		v.Add("amount", "must be greater than 0")
	} else if !model.FitsScale(amount) {
		v.Add("amount", "at most 2 decimal places")
	} else if !model.FitsMinor(amount) {
		v.Add("amount", "must not exceed "+model.MaxAmount.String())
	}
	if err := v.OrNil(); err != nil {
		s.withdrawal("invalid")
		return nil, nil, err
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.withdrawal("error")
		return nil, nil, err
	}
	if u.TOTPSecret != "" {
		if err := s.checkSecondFactor(ctx, u, code); err != nil {
			s.withdrawal("bad_otp")
			s.log.Warn("withdrawal second factor rejected", slog.String("user_id", userID), slog.Any("err", err))
			return nil, nil, err
		}
	}

	txn := &model.Transaction{
		TransactionID: "wd-" + uuid.NewString(),
		UserID:        userID,
		Type:          model.TxnTypeWithdrawal,
		Amount:        amount,
		Currency:      s.currency,
		Status:        "completed",
		Mode:          model.TxnDebit,
		CreatedAt:     s.Now(),
	}
	u, err = s.store.Withdraw(ctx, txn)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			s.withdrawal("insufficient")
		} else {
			s.withdrawal("error")
		}
		return nil, nil, err
	}
	s.withdrawal("ok")
	s.log.Info("withdrawal booked",
		slog.String("user_id", userID),
		slog.String("txn_id", txn.TransactionID),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("balance", u.Balance.StringFixed(2)))
	s.emit(ctx, model.EventFundsWithdrawn, userID, txn)
	return u, txn, nil
}

// ApplyCredit books a captured payment. The gateway payment id is the
// transaction id, so a redelivered capture returns the original transaction
// with duplicate=true and moves no money.
func (s *Service) ApplyCredit(ctx context.Context, p PaymentCapture) (*model.Transaction, bool, error) {
	v := model.NewValidationError()
	if strings.TrimSpace(p.PaymentID) == "" {
		v.Add("paymentId", "required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		v.Add("userId", "required")
	}
	if !p.Amount.IsPositive() {
		v.Add("amount", "must be greater than 0")
	} else if !model.FitsScale(p.Amount) {
		v.Add("amount", "at most 2 decimal places")
	} else if !model.FitsMinor(p.Amount) {
		v.Add("amount", "must not exceed "+model.MaxAmount.String())
	}
	if c := strings.ToUpper(strings.TrimSpace(p.Currency)); c != "" && c != s.currency {
		v.Add("currency", fmt.Sprintf("balances are kept in %s, got %q", s.currency, p.Currency))
	}
	if p.Status != "" && !strings.EqualFold(p.Status, "captured") {
		v.Add("status", fmt.Sprintf("only captured payments are credited, got %q", p.Status))
	}
	if err := v.OrNil(); err != nil {
		return nil, false, err
	}

	method := p.Method
	if method == "" {
		method = "payment"
	}
	txn := &model.Transaction{
		TransactionID: p.PaymentID,
		OrderID:       p.OrderID,
		UserID:        p.UserID,
		Type:          method,
		Amount:        p.Amount,
		Currency:      s.currency,
		Status:        "captured",
		Mode:          model.TxnCredit,
		CreatedAt:     s.Now(),
	}
	stored, dup, err := s.store.ApplyCredit(ctx, txn)
	if err != nil {
		return nil, false, err
	}
	if dup {
		if s.metrics != nil {
			s.metrics.CreditsDuplicate.Inc()
		}
		s.log.Info("payment already credited", slog.String("payment_id", p.PaymentID), slog.String("user_id", stored.UserID))
		return stored, true, nil
	}
	if s.metrics != nil {
		s.metrics.CreditsApplied.Inc()
	}
	s.log.Info("payment credited",
		slog.String("payment_id", p.PaymentID),
		slog.String("user_id", p.UserID),
		slog.String("amount", p.Amount.StringFixed(2)))
	s.emit(ctx, model.EventFundsCredited, p.UserID, stored)
	return stored, false, nil
}

// checkSecondFactor accepts code if it matches the current TOTP step or one
// step either side, and that step is newer than the last one accepted.
func (s *Service) checkSecondFactor(ctx context.Context, u *model.User, code string) error {
	code = strings.TrimSpace(code)
	now := s.Now().UTC()
	opts := totp.ValidateOpts{Period: totpPeriod, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	for _, skew := range []int64{0, -1, 1} {
		at := now.Add(time.Duration(skew*totpPeriod) * time.Second)
		ok, err := totp.ValidateCustom(code, u.TOTPSecret, at, opts)
		if err != nil || !ok {
			continue
		}
		fresh, err := s.store.ClaimTOTPStep(ctx, u.UserID, at.Unix()/totpPeriod)
		if err != nil {
			return err
		}
		if !fresh {
			return fmt.Errorf("withdrawal code already used: %w", model.ErrUnauthorized)
		}
		return nil
	}
	return fmt.Errorf("withdrawal code: %w", model.ErrUnauthorized)
}

// Enrollment is a freshly generated TOTP secret.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauthUrl"`
}

// EnrollTOTP generates and stores a new withdrawal second-factor secret,
// replacing any previous one.
func (s *Service) EnrollTOTP(ctx context.Context, userID string) (*Enrollment, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	if _, err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: userID})
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}
	if err := s.store.SetTOTPSecret(ctx, userID, key.Secret()); err != nil {
		return nil, err
	}
	s.log.Info("withdrawal second factor enrolled", slog.String("user_id", userID))
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// PnLHistory returns daily snapshots for category between from and to
// (inclusive, YYYY-MM-DD, either may be empty).
func (s *Service) PnLHistory(ctx context.Context, userID string, category model.PnLCategory, from, to string) ([]model.PnLSnapshot, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	if category == "" {
		category = model.PnLCombined
	}
	v := model.NewValidationError()
	if !category.Valid() {
		v.Add("category", "must be combined, holdings or positions")
	}
	for field, d := range map[string]string{"from": from, "to": to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			v.Add(field, "must be YYYY-MM-DD")
		}
	}
	if from != "" && to != "" && from > to {
		v.Add("from", "must not be after to")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	return s.pnl.ListPnL(ctx, userID, category, from, to)
}

func (s *Service) withdrawal(result string) {
	if s.metrics != nil {
		s.metrics.Withdrawals.WithLabelValues(result).Inc()
	}
}

func (s *Service) emit(ctx context.Context, kind, userID string, payload any) {
	if s.pub == nil {
		return
	}
	if err := bus.PublishLedgerEvent(ctx, s.pub, kind, userID, payload, s.Now()); err != nil {
		s.log.Warn("ledger event publish failed", slog.String("kind", kind), slog.Any("err", err))
	}
}
