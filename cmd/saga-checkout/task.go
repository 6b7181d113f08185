package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/goliatone/go-saga"
)

const checkoutTaskKind = "checkout"

// checkoutTask models an order checkout: synchronous preparation steps,
// an asynchronous payment collection confirmed by the provider callback,
// and a finalization step.
func checkoutTask() saga.TaskDefinition {
	return saga.TaskDefinition{
		Kind: checkoutTaskKind,
		ResolveEntities: func(_ context.Context, params map[string]any) ([]string, error) {
			customer, _ := params["customer_id"].(string)
			order, _ := params["order_id"].(string)
			if customer == "" || order == "" {
				return nil, fmt.Errorf("customer_id and order_id are required")
			}
			return []string{"customer:" + customer, "order:" + order}, nil
		},
		Steps: []saga.Step{
			{
				Name: "create-payment-group",
				Execute: func(_ context.Context, in saga.StepInput) (*saga.StepResult, error) {
					return &saga.StepResult{Output: map[string]any{
						"payment_group_id": "pg_" + uuid.NewString(),
						"amount":           in.Params["amount"],
					}}, nil
				},
				Compensate: func(_ context.Context, in saga.CompensationInput) error {
					fmt.Printf("voiding payment group %v\n", in.Output["payment_group_id"])
					return nil
				},
			},
			{
				Name: "generate-invoice",
				Execute: func(_ context.Context, in saga.StepInput) (*saga.StepResult, error) {
					return &saga.StepResult{Output: map[string]any{
						"invoice_id": "inv_" + uuid.NewString(),
					}}, nil
				},
				Compensate: func(_ context.Context, in saga.CompensationInput) error {
					fmt.Printf("cancelling invoice %v\n", in.Output["invoice_id"])
					return nil
				},
			},
			{
				Name: "persist-line-items",
				Execute: func(_ context.Context, in saga.StepInput) (*saga.StepResult, error) {
					invoice := in.Outputs["generate-invoice"]["invoice_id"]
					return &saga.StepResult{Output: map[string]any{
						"invoice_id": invoice,
						"line_items": 1,
					}}, nil
				},
			},
			{
				Name:  "collect-payment",
				Async: true,
				Execute: func(_ context.Context, in saga.StepInput) (*saga.StepResult, error) {
					// the provider confirms out-of-band; pause until the
					// completion event arrives
					return &saga.StepResult{
						Pending:       true,
						CorrelationID: saga.NewCorrelationID(),
					}, nil
				},
				Compensate: func(_ context.Context, in saga.CompensationInput) error {
					fmt.Printf("refunding payment %v\n", in.Output["provider_ref"])
					return nil
				},
			},
			{
				Name: "confirm-order",
				Execute: func(_ context.Context, in saga.StepInput) (*saga.StepResult, error) {
					return &saga.StepResult{Output: map[string]any{
						"order_id":   in.Params["order_id"],
						"invoice_id": in.Outputs["generate-invoice"]["invoice_id"],
						"provider":   in.Outputs["collect-payment"]["provider_ref"],
						"confirmed":  true,
					}}, nil
				},
			},
		},
		BuildResponse: func(outputs map[string]map[string]any) map[string]any {
			return outputs["confirm-order"]
		},
	}
}
