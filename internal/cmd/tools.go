package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/clinical"
)

// registerDemoTools wires the built-in tool handlers. They are small but
// real: the booking and refill tools are transactional and consent-gated,
// discovery is read-only, and the symptom tool writes clinical memory.
func registerDemoTools(r *tools.Registry, clinicalStore *clinical.Store) error {
	demos := []tools.Descriptor{
		{
			Name:        "lab_clinic_discovery",
			Description: "Find nearby labs and clinics for a given need",
			Handler:     labClinicDiscovery,
		},
		{
			Name:          "appointment_book",
			Description:   "Book an appointment slot at a clinic",
			Transactional: true,
			Handler:       appointmentBook,
		},
		{
			Name:          "medication_refill_request",
			Description:   "Request a prescription refill from the pharmacy",
			Transactional: true,
			Handler:       medicationRefillRequest,
		},
		{
			Name:        "symptom_report",
			Description: "Record a reported symptom in clinical memory",
			Handler:     symptomReport(clinicalStore),
		},
	}
	for _, d := range demos {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return r.AddAlias("book_appointment", "appointment_book")
}

func labClinicDiscovery(ctx context.Context, call tools.Call) (*tools.Result, error) {
	topic, _ := call.Payload["topic"].(string)
	clinics := []map[string]interface{}{
		{"name": "Mercy Community Lab", "distance_km": 1.2, "walk_in": true},
		{"name": "Northside Health Clinic", "distance_km": 3.4, "walk_in": false},
	}
	return &tools.Result{
		Status: "succeeded",
		Data: map[string]interface{}{
			"topic":   topic,
			"clinics": clinics,
		},
	}, nil
}

func appointmentBook(ctx context.Context, call tools.Call) (*tools.Result, error) {
	slot, _ := call.Payload["slot"].(string)
	if slot == "" {
		return &tools.Result{Status: "failed", Error: "slot is required"}, nil
	}
	clinicName, _ := call.Payload["clinic"].(string)
	if clinicName == "" {
		clinicName = "Mercy Community Lab"
	}
	ref := "BK-" + strings.ToUpper(strings.TrimPrefix(call.ActionID, "act_"))
	return &tools.Result{
		Status: "succeeded",
		Data: map[string]interface{}{
			"booking_ref": ref,
			"clinic":      clinicName,
			"slot":        slot,
			"booked_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// medicationRefillRequest queues the refill with the pharmacy and comes
// back pending; the pharmacy confirms asynchronously.
func medicationRefillRequest(ctx context.Context, call tools.Call) (*tools.Result, error) {
	medication, _ := call.Payload["medication"].(string)
	if medication == "" {
		return &tools.Result{Status: "failed", Error: "medication is required"}, nil
	}
	return &tools.Result{
		Status: "pending",
		Data: map[string]interface{}{
			"medication":   medication,
			"pharmacy_ref": fmt.Sprintf("RX-%s", strings.ToUpper(strings.TrimPrefix(call.ActionID, "act_"))),
			"requested_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func symptomReport(store *clinical.Store) tools.Handler {
	return func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		symptom, _ := call.Payload["symptom"].(string)
		if symptom == "" {
			return &tools.Result{Status: "failed", Error: "symptom is required"}, nil
		}
		severity, _ := call.Payload["severity"].(string)
		state, err := store.RecordSymptom(ctx, call.UserID, clinical.SymptomInput{
			Symptom:  symptom,
			Severity: severity,
			Source:   "agent",
		})
		if err != nil {
			return nil, err
		}
		return &tools.Result{
			Status: "succeeded",
			Data: map[string]interface{}{
				"symptom_id":       state.ID,
				"status":           state.Status,
				"reconfirm_due_at": state.ReconfirmDueAt,
				"expires_at":       state.ExpiresAt,
			},
		}, nil
	}
}
