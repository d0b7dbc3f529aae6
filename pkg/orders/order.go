package orders

import (
	"strings"
	"time"
)

type Kind string

const (
	KindNew   Kind = "new"
	KindRenew Kind = "renew"
)

// NoTarget marks an order that does not reference an existing entitlement.
const NoTarget = ""

func ParseKind(raw string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindNew:
		return KindNew, true
	case KindRenew:
		return KindRenew, true
	default:
		return "", false
	}
}

// Category classifies why a transition or provisioning call failed.
type Category string

const (
	CategoryNone               Category = ""
	CategoryNetwork            Category = "network"
	CategoryBusinessValidation Category = "business_validation"
	CategoryDatabase           Category = "database"
	CategoryUpstream           Category = "upstream"
	CategoryUnknown            Category = "unknown"
)

type Order struct {
	OrderID        string    `json:"order_id"`
	RequesterID    string    `json:"requester_id"`
	PlanKey        string    `json:"plan_key"`
	Kind           Kind      `json:"kind"`
	TargetRef      string    `json:"target_ref,omitempty"`
	Status         string    `json:"status"`
	PaymentProof   string    `json:"payment_proof,omitempty"`
	RequestMsgRef  string    `json:"request_msg_ref,omitempty"`
	WaitingMsgRef  string    `json:"waiting_msg_ref,omitempty"`
	OperatorMsgRef string    `json:"operator_msg_ref,omitempty"`
	DeliveredRef   string    `json:"delivered_ref,omitempty"`
	ErrorCategory  Category  `json:"error_category,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Update is the set of fields written together with a status change.
// Empty DeliveredRef keeps the stored value.
type Update struct {
	To            string
	ErrorCategory Category
	ErrorDetail   string
	DeliveredRef  string
	At            time.Time
}

// Result is what the machine reports back to any front end.
type Result struct {
	Order     Order     `json:"order"`
	Created   bool      `json:"created,omitempty"`
	NoOp      bool      `json:"noop,omitempty"`
	Category  Category  `json:"category,omitempty"`
	ExpireAt  time.Time `json:"expire_at,omitempty"`
	Traffic   int64     `json:"traffic_limit_bytes,omitempty"`
	AccessURL string    `json:"access_url,omitempty"`
}

// MaskPaymentProof keeps the first and last four characters of longer proofs.
func MaskPaymentProof(proof string) string {
	text := strings.TrimSpace(proof)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-8) + string(runes[len(runes)-4:])
}
