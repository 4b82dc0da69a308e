package stream

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Status is the lifecycle state of a stream. Cancelled is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// IntervalUnit is the billing period unit.
type IntervalUnit string

const (
	IntervalDaily   IntervalUnit = "daily"
	IntervalWeekly  IntervalUnit = "weekly"
	IntervalMonthly IntervalUnit = "monthly"
	IntervalYearly  IntervalUnit = "yearly"
	IntervalCustom  IntervalUnit = "custom"
)

// Interval is the billing period of a stream. CustomDays is only meaningful
// when Unit is IntervalCustom.
type Interval struct {
	Unit       IntervalUnit `json:"unit"`
	CustomDays int          `json:"custom_days,omitempty"`
}

func (iv Interval) Validate() error {
	switch iv.Unit {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly:
		return nil
	case IntervalCustom:
		if iv.CustomDays <= 0 {
			return errors.New("custom interval requires a positive day count")
		}
		return nil
	default:
		return fmt.Errorf("unknown interval unit %q", iv.Unit)
	}
}

// Duration returns the nominal period length.
func (iv Interval) Duration() time.Duration {
	day := 24 * time.Hour
	switch iv.Unit {
	case IntervalDaily:
		return day
	case IntervalWeekly:
		return 7 * day
	case IntervalMonthly:
		return 30 * day
	case IntervalYearly:
		return 365 * day
	case IntervalCustom:
		return time.Duration(iv.CustomDays) * day
	default:
		return 30 * day
	}
}

// MonthlyFactor converts one period's amount into a monthly-equivalent
// outflow. The weekly factor of 4.33 matches what the UI surfaces show.
func (iv Interval) MonthlyFactor() float64 {
	switch iv.Unit {
	case IntervalDaily:
		return 30
	case IntervalWeekly:
		return 4.33
	case IntervalMonthly:
		return 1
	case IntervalYearly:
		return 1.0 / 12.0
	case IntervalCustom:
		if iv.CustomDays <= 0 {
			return 1
		}
		return 30.0 / float64(iv.CustomDays)
	default:
		return 1
	}
}

func (iv Interval) String() string {
	if iv.Unit == IntervalCustom {
		return fmt.Sprintf("custom:%d", iv.CustomDays)
	}
	return string(iv.Unit)
}

// PaymentStatus is the lifecycle state of a single payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// AppliedNoise records the perturbation that was actually applied to a
// payment, so history shows the noised values rather than the nominal terms.
type AppliedNoise struct {
	AmountDelta float64       `json:"amount_delta"`
	TimingDelta time.Duration `json:"timing_delta"`
}

// PaymentRecord is one historical execution attempt. Created pending,
// transitions exactly once to confirmed or failed, then immutable.
type PaymentRecord struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Amount        float64       `json:"amount"` // actual amount sent, post-noise
	Status        PaymentStatus `json:"status"`
	Signature     string        `json:"signature,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Noise         AppliedNoise  `json:"noise"`
	WasStealth    bool          `json:"was_stealth"`
}

// Stream is a recurring payment authorization: a recipient, a per-period
// amount, a schedule, optional privacy configuration, and its full payment
// history.
type Stream struct {
	ID       string `json:"id"`
	ChainKey string `json:"chain_key,omitempty"` // derived identity from on-chain memo terms

	Recipient  solana.PublicKey `json:"recipient"`
	Origin     string           `json:"origin,omitempty"`
	OriginName string           `json:"origin_name,omitempty"`

	Amount        float64           `json:"amount"`
	TokenMint     *solana.PublicKey `json:"token_mint,omitempty"` // nil = native SOL
	TokenSymbol   string            `json:"token_symbol,omitempty"`
	TokenDecimals uint8             `json:"token_decimals,omitempty"`

	Interval     Interval  `json:"interval"`
	NextPayment  time.Time `json:"next_payment"`
	MaxPayments  int       `json:"max_payments"` // 0 = unlimited
	PaymentsMade int       `json:"payments_made"`

	AmountNoisePct   float64 `json:"amount_noise_pct"`   // percent, 0..20
	TimingNoiseHours float64 `json:"timing_noise_hours"` // hours, 0..24
	UseStealth       bool    `json:"use_stealth"`

	Status    Status          `json:"status"`
	TotalPaid float64         `json:"total_paid"`
	Payments  []PaymentRecord `json:"payments"`

	CreatedAt    time.Time `json:"created_at"`
	MerchantName string    `json:"merchant_name,omitempty"`
	MerchantLogo string    `json:"merchant_logo,omitempty"`
}

// Exhausted reports whether the stream has reached its payment cap. An
// exhausted stream stays active; callers check this before processing.
func (s *Stream) Exhausted() bool {
	return s.MaxPayments > 0 && s.PaymentsMade >= s.MaxPayments
}

// Due reports whether the stream's next payment is due at the given time.
func (s *Stream) Due(now time.Time) bool {
	return !s.NextPayment.After(now)
}

// ErrValidation wraps all user-input rejections so callers can surface them
// verbatim without treating them as internal failures.
var ErrValidation = errors.New("validation failed")

func (s *Stream) validate() error {
	switch {
	case s.Recipient.IsZero():
		return fmt.Errorf("recipient is required: %w", ErrValidation)
	case s.Amount <= 0 || math.IsNaN(s.Amount) || math.IsInf(s.Amount, 0):
		return fmt.Errorf("amount must be a positive finite number: %w", ErrValidation)
	case s.MaxPayments < 0:
		return fmt.Errorf("max payments must not be negative: %w", ErrValidation)
	case !(s.AmountNoisePct >= 0 && s.AmountNoisePct <= 20):
		return fmt.Errorf("amount noise must be between 0 and 20 percent: %w", ErrValidation)
	case !(s.TimingNoiseHours >= 0 && s.TimingNoiseHours <= 24):
		return fmt.Errorf("timing noise must be between 0 and 24 hours: %w", ErrValidation)
	}
	if err := s.Interval.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Clone returns a deep copy. The store hands out clones so callers can never
// mutate persisted state behind its back.
func (s *Stream) Clone() *Stream {
	cp := *s
	if s.TokenMint != nil {
		mint := *s.TokenMint
		cp.TokenMint = &mint
	}
	cp.Payments = make([]PaymentRecord, len(s.Payments))
	copy(cp.Payments, s.Payments)
	return &cp
}
