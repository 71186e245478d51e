package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
	"repairpos/internal/warranty"
)

var repairTransitions = map[string][]string{
	domain.RepairStatusPending:         {domain.RepairStatusInProgress, domain.RepairStatusCancelled},
	domain.RepairStatusInProgress:      {domain.RepairStatusWaitingForParts, domain.RepairStatusCompleted, domain.RepairStatusCancelled},
	domain.RepairStatusWaitingForParts: {domain.RepairStatusInProgress, domain.RepairStatusCompleted, domain.RepairStatusCancelled},
	domain.RepairStatusCompleted:       {domain.RepairStatusPickedUp},
}

var repairStatuses = []string{
	domain.RepairStatusPending,
	domain.RepairStatusInProgress,
	domain.RepairStatusWaitingForParts,
	domain.RepairStatusCompleted,
	domain.RepairStatusPickedUp,
	domain.RepairStatusCancelled,
}

// normalizeRepairStatus matches a status case-insensitively and returns its
// canonical spelling.
func normalizeRepairStatus(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, status := range repairStatuses {
		if strings.EqualFold(status, raw) {
			return status, true
		}
	}
	return "", false
}

func canTransition(from string, to string) bool {
	for _, next := range repairTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateRepair opens a ticket. A warranty claim must name a serial sold here
// that is still covered; the ticket is then linked to that invoice.
func (s *Service) CreateRepair(ctx context.Context, req domain.RepairCreateRequest) (domain.RepairTicket, error) {
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.Device = strings.TrimSpace(req.Device)
	req.Issue = strings.TrimSpace(req.Issue)
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if err := s.validateStruct(req); err != nil {
		return domain.RepairTicket{}, err
	}
	if req.Cost.IsNegative() {
		return domain.RepairTicket{}, store.Invalid("cost: must not be negative")
	}

	var invoiceID string
	if req.WarrantyClaim {
		if req.SerialNumber == "" {
			return domain.RepairTicket{}, store.Invalid("serial_number: is required for a warranty claim")
		}
		record, err := s.repo.FindSerial(ctx, req.SerialNumber)
		if errors.Is(err, store.ErrNotFound) {
			return domain.RepairTicket{}, store.Invalid("serial %s was not sold by this shop", req.SerialNumber)
		}
		if err != nil {
			return domain.RepairTicket{}, err
		}
		window := warranty.Compute(record.SaleDate, record.WarrantyMonths, s.now())
		if !window.Active {
			return domain.RepairTicket{}, store.Invalid("serial %s is out of warranty since %s", req.SerialNumber, window.End.Format(dateLayout))
		}
		invoiceID = record.InvoiceID
	}

	customer, err := s.resolveCustomer(ctx, req.Customer)
	if err != nil {
		return domain.RepairTicket{}, err
	}

	now := s.now().UTC()
	created, err := s.repo.CreateRepair(ctx, domain.RepairTicket{
		CustomerID:    customer.ID,
		Device:        req.Device,
		Issue:         req.Issue,
		SerialNumber:  req.SerialNumber,
		InvoiceID:     invoiceID,
		WarrantyClaim: req.WarrantyClaim,
		Status:        domain.RepairStatusPending,
		Cost:          req.Cost,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.RepairTicket{}, err
	}

	s.logAudit(ctx, "repair_create", "repair", created.ID, logrus.Fields{
		"warranty_claim": created.WarrantyClaim,
		"invoice_id":     created.InvoiceID,
	})
	return *created, nil
}

func (s *Service) GetRepair(ctx context.Context, id string) (domain.RepairTicket, error) {
	ticket, err := s.repo.GetRepair(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.RepairTicket{}, err
	}
	return *ticket, nil
}

// UpdateRepairStatus moves a ticket along the state machine. The customer
// notification, and an email when one is on file, are queued in the same
// write; delivery happens later and never undoes the status change.
func (s *Service) UpdateRepairStatus(ctx context.Context, id string, req domain.RepairStatusRequest) (domain.RepairStatusResponse, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.RepairStatusResponse{}, err
	}
	next, ok := normalizeRepairStatus(req.Status)
	if !ok {
		return domain.RepairStatusResponse{}, store.Invalid("status: must be one of %s", strings.Join(repairStatuses, ", "))
	}

	ticket, err := s.repo.GetRepair(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.RepairStatusResponse{}, err
	}
	if ticket.Status == next {
		return domain.RepairStatusResponse{}, store.Invalid("repair %s is already %s", ticket.ID, next)
	}
	if !canTransition(ticket.Status, next) {
		return domain.RepairStatusResponse{}, store.Invalid("repair %s cannot move from %s to %s", ticket.ID, ticket.Status, next)
	}

	now := s.now().UTC()
	notification, err := outboxEvent(domain.EventRepairStatusChanged, domain.RepairNotification{
		RepairID:     ticket.ID,
		CustomerName: ticket.CustomerName,
		Device:       ticket.Device,
		OldStatus:    ticket.Status,
		NewStatus:    next,
		Message:      fmt.Sprintf("Repair %s for %s is now %s", ticket.ID, ticket.Device, next),
	}, now)
	if err != nil {
		return domain.RepairStatusResponse{}, err
	}
	events := []domain.OutboxEvent{notification}

	var resp domain.RepairStatusResponse
	if (domain.Customer{Email: ticket.CustomerEmail}).HasEmail() {
		email, err := outboxEvent(domain.EventRepairEmail, repairEmail(*ticket, next), now)
		if err != nil {
			resp.EmailError = err.Error()
		} else {
			events = append(events, email)
			resp.EmailQueued = true
		}
	} else {
		resp.EmailSkipped = true
	}

	updated, err := s.repo.UpdateRepairStatus(ctx, ticket.ID, ticket.Status, next, now, events)
	if err != nil {
		return domain.RepairStatusResponse{}, err
	}
	resp.Repair = *updated
	resp.NotificationQueued = true

	s.logAudit(ctx, "repair_status", "repair", updated.ID, logrus.Fields{
		"from":         ticket.Status,
		"to":           next,
		"email_queued": resp.EmailQueued,
	})
	return resp, nil
}

func repairEmail(ticket domain.RepairTicket, status string) domain.RepairEmail {
	name := defaultString(ticket.CustomerName, "customer")
	return domain.RepairEmail{
		RepairID: ticket.ID,
		To:       ticket.CustomerEmail,
		Subject:  fmt.Sprintf("Your %s repair is %s", ticket.Device, strings.ToLower(status)),
		Body: fmt.Sprintf("Hello %s,\n\nThe status of your %s repair (ticket %s) changed from %s to %s.\n",
			name, ticket.Device, ticket.ID, ticket.Status, status),
	}
}

func outboxEvent(kind string, payload any, at time.Time) (domain.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s event: %w", kind, err)
	}
	return domain.OutboxEvent{
		Kind:      kind,
		Payload:   data,
		Status:    domain.OutboxStatusPending,
		CreatedAt: at,
	}, nil
}
