package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/3leaps/hpcflow/pkg/cloud"
)

// Event is the input of the metric-collection function.
type Event struct {
	ResourceID string `json:"resourceId"`

	// FileSystemID is accepted from older callers.
	FileSystemID string `json:"fileSystemId,omitempty"`
}

// Response is the output of the metric-collection function.
type Response struct {
	ShouldDelete bool     `json:"shouldDelete"`
	MetricsValue *float64 `json:"metricsValue"`
}

// Handler implements the metric-collection function contract on top of an
// Evaluator.
func Handler(e Evaluator) func(ctx context.Context, ev Event) (Response, error) {
	return func(ctx context.Context, ev Event) (Response, error) {
		id := ev.ResourceID
		if id == "" {
			id = ev.FileSystemID
		}
		res, err := e.Evaluate(ctx, id)
		if err != nil {
			return Response{}, err
		}
		return Response{ShouldDelete: res.Safe, MetricsValue: res.LatestValue}, nil
	}
}

// LambdaAPI is the subset of the Lambda client used here.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// FunctionEvaluator delegates the decision to the deployed metric-collection
// function.
type FunctionEvaluator struct {
	client       LambdaAPI
	functionName string
	pacer        *cloud.Pacer
}

var _ Evaluator = (*FunctionEvaluator)(nil)

// NewFunctionEvaluator returns an evaluator invoking functionName.
func NewFunctionEvaluator(client LambdaAPI, functionName string, pacer *cloud.Pacer) *FunctionEvaluator {
	return &FunctionEvaluator{client: client, functionName: functionName, pacer: pacer}
}

// Evaluate invokes the function synchronously.
func (e *FunctionEvaluator) Evaluate(ctx context.Context, resourceID string) (*Result, error) {
	if resourceID == "" {
		return nil, errors.New("metrics: resource id is required")
	}
	if err := e.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(Event{ResourceID: resourceID, FileSystemID: resourceID})
	if err != nil {
		return nil, err
	}

	out, err := e.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(e.functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, cloud.WrapError("lambda", "Invoke", e.functionName, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("lambda Invoke: %s: function error %s: %s", e.functionName, aws.ToString(out.FunctionError), string(out.Payload))
	}

	var resp Response
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return nil, fmt.Errorf("lambda Invoke: %s: decode response: %w", e.functionName, err)
	}

	result := &Result{Safe: resp.ShouldDelete, LatestValue: resp.MetricsValue}
	if resp.MetricsValue != nil {
		result.Samples = 1
	}
	// A function claiming safety without any data is not trusted.
	if resp.MetricsValue == nil {
		result.Safe = false
	}
	return result, nil
}
