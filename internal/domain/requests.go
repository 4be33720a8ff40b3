package domain

type DeficitReportRequest struct {
	BranchID      string `json:"branch_id" validate:"required"`
	ProductID     string `json:"product_id" validate:"required"`
	ProductName   string `json:"product_name" validate:"required"`
	Unit          string `json:"unit" validate:"required"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
	SourceOrderID string `json:"source_order_id"`
	Priority      string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Critical      bool   `json:"critical"`
}

type ItemStatusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=pending in_queue urgent merged completed cancelled"`
}

type MergeRequest struct {
	TargetOrderID string   `json:"target_order_id" validate:"required"`
	ItemIDs       []string `json:"item_ids" validate:"required,min=1,dive,required"`
}

type QueueListResponse struct {
	Queues []QueueView `json:"queues"`
}

type UrgentOrderResponse struct {
	OrderID string `json:"order_id"`
}

type OrderLineRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity" validate:"gte=1"`
	Unit        string `json:"unit"`
}

type OrderCreateRequest struct {
	TemplateID   string             `json:"template_id" validate:"required"`
	FromBranchID string             `json:"from_branch_id" validate:"required"`
	ToBranchID   string             `json:"to_branch_id" validate:"required"`
	Items        []OrderLineRequest `json:"items,omitempty" validate:"omitempty,dive"`
	Notes        string             `json:"notes"`
}

type ReceivedLine struct {
	ProductID   string `json:"product_id" validate:"required"`
	ReceivedQty int    `json:"received_qty" validate:"gte=0"`
	Denied      bool   `json:"denied"`
	Critical    bool   `json:"critical"`
	Reason      string `json:"reason"`
}

type OrderReceiveRequest struct {
	Lines []ReceivedLine `json:"lines" validate:"dive"`
	Notes string         `json:"notes"`
}

type OrderReceiveResponse struct {
	Order            Order             `json:"order"`
	DeliveryNote     DeliveryNote      `json:"delivery_note"`
	ReplacementItems []ReplacementItem `json:"replacement_items"`
}

type OrderCancelRequest struct {
	Reason string `json:"reason"`
}

type OrderCancelResponse struct {
	Order            Order             `json:"order"`
	ReissuedItems    []ReplacementItem `json:"reissued_items"`
	CancelledItemIDs []string          `json:"cancelled_item_ids"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type TemplateCreateRequest struct {
	Name                 string         `json:"name" validate:"required"`
	Items                []TemplateLine `json:"items" validate:"required,min=1,dive"`
	DestinationBranchIDs []string       `json:"destination_branch_ids" validate:"required,min=1,dive,required"`
	AllowedSendDays      []string       `json:"allowed_send_days" validate:"omitempty,dive,weekday"`
}
