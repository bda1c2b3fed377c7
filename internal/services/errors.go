package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Validation errors.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrItemNotFound     = errors.New("item not found")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrNoItems          = errors.New("order must contain at least one item")
	ErrTotalMismatch    = errors.New("total amount does not match item prices")
	ErrCurrencyMismatch = errors.New("items must share one currency")
)

// Not found errors.
var (
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrCouponNotFound       = errors.New("coupon not found")
)

// Conflict errors.
var (
	ErrAlreadyPurchased       = errors.New("already purchased: you already have access to this item")
	ErrAlreadyEnrolled        = errors.New("already enrolled in one or more items")
	ErrOrderCompleted         = errors.New("cannot cancel a completed order")
	ErrOrderNotPayable        = errors.New("order is no longer payable")
	ErrOrderNotCancellable    = errors.New("order can no longer be cancelled")
	ErrCouponExhausted        = errors.New("coupon usage limit reached")
	ErrCouponExists           = errors.New("coupon code already exists")
	ErrSubscriptionTerminated = errors.New("subscription already ended")
	ErrCancellationPending    = errors.New("subscription is already set to cancel at period end")
	ErrPaymentInProgress      = errors.New("a payment for this item is already in progress")
	ErrSubscriptionChanged    = errors.New("subscription changed while cancelling, please retry")
	ErrRefundRequired         = errors.New("payment captured but not applied, refund required")
)

// Upstream errors.
var (
	ErrGatewayUnavailable = errors.New("payment provider unavailable, please try again")
)

// CouponRejection names why a coupon cannot be applied.
type CouponRejection string

const (
	CouponInactive          CouponRejection = "inactive"
	CouponNotYetValid       CouponRejection = "not_yet_valid"
	CouponExpired           CouponRejection = "expired"
	CouponUsageExhausted    CouponRejection = "usage_limit_reached"
	CouponPerUserExhausted  CouponRejection = "per_user_limit_reached"
	CouponFirstPurchaseOnly CouponRejection = "first_purchase_only"
	CouponNotApplicable     CouponRejection = "not_applicable"
	CouponBelowMinimum      CouponRejection = "below_minimum_amount"
)

var couponRejectionMessages = map[CouponRejection]string{
	CouponInactive:          "coupon is not active",
	CouponNotYetValid:       "coupon is not valid yet",
	CouponExpired:           "coupon has expired",
	CouponUsageExhausted:    "coupon usage limit reached",
	CouponPerUserExhausted:  "you have already used this coupon the maximum number of times",
	CouponFirstPurchaseOnly: "coupon is only valid on a first purchase",
	CouponNotApplicable:     "coupon does not apply to this purchase",
	CouponBelowMinimum:      "amount is below the coupon minimum",
}

type CouponRejectedError struct {
	Code   string
	Reason CouponRejection
}

func (e *CouponRejectedError) Error() string {
	return "coupon " + e.Code + " rejected: " + couponRejectionMessages[e.Reason]
}

func rejectCoupon(code string, reason CouponRejection) error {
	return &CouponRejectedError{Code: code, Reason: reason}
}

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
)

// KindOf classifies err for callers that branch on failure category.
func KindOf(err error) Kind {
	var rejected *CouponRejectedError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &rejected),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrNoItems),
		errors.Is(err, ErrTotalMismatch),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrCouponNotFound),
		errors.Is(err, gateway.ErrRejected):
		return KindValidation
	case errors.Is(err, ErrPurchaseNotFound),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyPurchased),
		errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrOrderCompleted),
		errors.Is(err, ErrOrderNotPayable),
		errors.Is(err, ErrOrderNotCancellable),
		errors.Is(err, ErrCouponExhausted),
		errors.Is(err, ErrCouponExists),
		errors.Is(err, ErrSubscriptionTerminated),
		errors.Is(err, ErrCancellationPending),
		errors.Is(err, ErrPaymentInProgress),
		errors.Is(err, ErrSubscriptionChanged),
		errors.Is(err, ErrRefundRequired):
		return KindConflict
	case errors.Is(err, ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrUnavailable),
		errors.Is(err, gateway.ErrSignatureInvalid):
		return KindUpstream
	}
	return KindInternal
}

// upstream maps a gateway failure onto the retryable user-facing error while
// keeping validation rejections from the processor distinct.
func upstream(err error) error {
	if errors.Is(err, gateway.ErrRejected) {
		return err
	}
	return errors.Join(ErrGatewayUnavailable, err)
}

// refundRequired marks err as the reason a captured payment could not be
// applied.
func refundRequired(err error) error {
	return fmt.Errorf("%w: %w", ErrRefundRequired, err)
}

// isUniqueViolation recognises duplicate-key failures from Postgres and SQLite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
