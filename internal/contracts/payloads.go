package contracts

// PaymentPrepare asks the payment service to authorize an order's total.
type PaymentPrepare struct {
	OrderID string  `json:"order_id"`
	UserID  string  `json:"user_id"`
	Amount  float64 `json:"amount"`
	Method  string  `json:"method"`
}

// PaymentPrepared reports a successful authorization.
type PaymentPrepared struct {
	OrderID string `json:"order_id"`
}

// PaymentPrepareFailed reports a declined or abandoned authorization.
type PaymentPrepareFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// PaymentCancel asks the payment service to undo a prepared payment.
type PaymentCancel struct {
	OrderID string `json:"order_id"`
}

// PaymentCanceled confirms the compensation was applied.
type PaymentCanceled struct {
	OrderID string `json:"order_id"`
	// Refunded is true when a captured payment was refunded rather than a
	// pending one voided.
	Refunded bool `json:"refunded"`
}

// ProductInformationRequest asks the product service for current price/stock.
type ProductInformationRequest struct {
	ProductIDs []string `json:"product_ids"`
}

// ProductInformation is one product's current price and stock.
type ProductInformation struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Stock     int     `json:"stock"`
}

// ProductInformationResponse answers a request. Unknown ids are omitted from
// Products; the requester treats omission as unavailability.
type ProductInformationResponse struct {
	Products []ProductInformation `json:"products"`
}
