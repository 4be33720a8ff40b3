package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/replacement"
	"replenish/backend/internal/service"
	"replenish/backend/internal/store"
)

// errorStatuses is checked in order; wrapped errors can match more than one entry.
var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{service.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{replacement.ErrActorNotPermitted, http.StatusForbidden, "actor_not_permitted"},
	{replacement.ErrInvalidDeficit, http.StatusBadRequest, "invalid_deficit"},
	{service.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{service.ErrInvalidTemplate, http.StatusBadRequest, "invalid_template"},
	{service.ErrInvalidQuery, http.StatusBadRequest, "invalid_query"},
	{replacement.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{replacement.ErrItemNotMergeable, http.StatusConflict, "item_not_mergeable"},
	{service.ErrInvalidOrderTransition, http.StatusConflict, "invalid_order_transition"},
	{store.ErrConflict, http.StatusConflict, "conflict"},
	{replacement.ErrNoUrgentItems, http.StatusUnprocessableEntity, "no_urgent_items"},
	{service.ErrSendDayNotAllowed, http.StatusUnprocessableEntity, "send_day_not_allowed"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrInvalidTransaction, http.StatusBadRequest, "invalid_request"},
	{store.ErrUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, entry := range errorStatuses {
		if errors.Is(err, entry.target) {
			if entry.status >= 500 {
				a.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.String("code", entry.code), zap.Error(err))
			}
			writeError(w, entry.status, entry.code, err)
			return
		}
	}
	a.logger.Error("unhandled request error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", err)
}

// pathTail returns the path segments after prefix, or nil when there are none.
func pathTail(path string, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

func (a *API) handleBranches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	branches, err := a.service.ListBranches(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (a *API) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	queues, err := a.service.ListQueues(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.QueueListResponse{Queues: queues})
}

// handleQueueActions serves /api/v1/queues/{branch}[/suggestions|/merge|/urgent-order|/auto-merge].
func (a *API) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/v1/queues/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown queue path"))
		return
	}
	branchID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		queue, err := a.service.GetQueue(r.Context(), branchID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, queue)
	case "suggestions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		suggestions, err := a.service.MergeSuggestions(r.Context(), branchID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
	case "merge":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.MergeRequest
		if !a.decodeAndValidate(w, r, &req) {
			return
		}
		result, err := a.service.Merge(r.Context(), branchID, req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "urgent-order":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.CreateUrgentOrder(r.Context(), branchID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	case "auto-merge":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		summary, err := a.service.AutoMerge(r.Context(), branchID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	default:
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown queue action"))
	}
}

func (a *API) handleAutoMergeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	report, err := a.service.AutoMergeAll(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleDeficits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.DeficitReportRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	item, err := a.service.ReportDeficit(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleReplacementItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	items, err := a.service.ListItems(r.Context(), query.Get("branch_id"), query.Get("status"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleReplacementItemActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/v1/replacement-items/")
	if len(parts) != 2 || parts[1] != "status" {
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown replacement item path"))
		return
	}
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ItemStatusUpdateRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	item, err := a.service.UpdateItemStatus(r.Context(), parts[0], req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		orders, err := a.service.ListOrders(r.Context(), service.OrderQuery{
			BranchID: query.Get("branch_id"),
			Status:   query.Get("status"),
			Limit:    parsePositiveLimit(query.Get("limit"), 100, 500),
		})
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.OrderListResponse{Orders: orders})
	case http.MethodPost:
		var req domain.OrderCreateRequest
		if !a.decodeAndValidate(w, r, &req) {
			return
		}
		order, err := a.service.CreateOrderFromTemplate(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": order})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleOrderActions serves /api/v1/orders/{id} and /api/v1/orders/{id}/{action}.
func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api/v1/orders/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown order path"))
		return
	}
	orderID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "send", "assemble", "dispatch":
		var (
			order domain.Order
			err   error
		)
		switch parts[1] {
		case "send":
			order, err = a.service.SendOrder(r.Context(), orderID)
		case "assemble":
			order, err = a.service.StartAssembly(r.Context(), orderID)
		default:
			order, err = a.service.Dispatch(r.Context(), orderID)
		}
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	case "receive":
		var req domain.OrderReceiveRequest
		if !a.decodeAndValidate(w, r, &req) {
			return
		}
		resp, err := a.service.ReceiveOrder(r.Context(), orderID, req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "cancel":
		var req domain.OrderCancelRequest
		if r.ContentLength != 0 && !a.decodeAndValidate(w, r, &req) {
			return
		}
		resp, err := a.service.CancelOrder(r.Context(), orderID, req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown order action"))
	}
}

func (a *API) handleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		templates, err := a.service.ListTemplates(r.Context())
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
	case http.MethodPost:
		var req domain.TemplateCreateRequest
		if !a.decodeAndValidate(w, r, &req) {
			return
		}
		tpl, err := a.service.CreateTemplate(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"template": tpl})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDeliveryNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	notes, err := a.service.ListDeliveryNotes(r.Context(), query.Get("branch_id"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery_notes": notes})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("branch_id"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
