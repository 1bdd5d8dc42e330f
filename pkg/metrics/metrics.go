// Package metrics decides whether a Lustre filesystem is safe to delete by
// looking at its auto-export backlog. A filesystem is safe only when every
// sample in the window reports an empty queue; no data means not safe.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/3leaps/hpcflow/pkg/cloud"
)

// Export backlog metric published by FSx for auto-export associations.
const (
	Namespace  = "AWS/FSx"
	MetricName = "AgeOfOldestQueuedMessage"
	Publisher  = "AutoExport"
	Stat       = "Average"
)

// Defaults for the query window.
const (
	DefaultPeriod = time.Minute
	DefaultWindow = 15 * time.Minute
)

// Result is the outcome of one evaluation.
type Result struct {
	// Safe is true only if at least one sample exists and all samples are zero.
	Safe bool `json:"shouldDelete"`

	// LatestValue is the most recent sample, or nil with no samples.
	LatestValue *float64 `json:"metricsValue"`

	// Samples is the number of datapoints seen.
	Samples int `json:"samples"`
}

// Decide applies the fail-closed rule to values ordered oldest first.
func Decide(values []float64) Result {
	if len(values) == 0 {
		return Result{}
	}
	latest := values[len(values)-1]
	safe := true
	for _, v := range values {
		if v != 0 {
			safe = false
			break
		}
	}
	return Result{Safe: safe, LatestValue: &latest, Samples: len(values)}
}

// Evaluator is implemented by CloudWatchEvaluator and FunctionEvaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, resourceID string) (*Result, error)
}

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

// CloudWatchEvaluator queries the backlog metric directly.
type CloudWatchEvaluator struct {
	client CloudWatchAPI
	window time.Duration
	period time.Duration
	pacer  *cloud.Pacer
	now    func() time.Time
}

var _ Evaluator = (*CloudWatchEvaluator)(nil)

// NewCloudWatchEvaluator returns an evaluator with the given default window
// and period. Zero values use DefaultWindow and DefaultPeriod.
func NewCloudWatchEvaluator(client CloudWatchAPI, window, period time.Duration, pacer *cloud.Pacer) *CloudWatchEvaluator {
	if window <= 0 {
		window = DefaultWindow
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &CloudWatchEvaluator{client: client, window: window, period: period, pacer: pacer, now: time.Now}
}

// Evaluate uses the configured window and period.
func (e *CloudWatchEvaluator) Evaluate(ctx context.Context, resourceID string) (*Result, error) {
	return e.EvaluateWindow(ctx, resourceID, e.window, e.period)
}

// EvaluateWindow evaluates the trailing window ending now.
func (e *CloudWatchEvaluator) EvaluateWindow(ctx context.Context, resourceID string, window, period time.Duration) (*Result, error) {
	if resourceID == "" {
		return nil, errors.New("metrics: resource id is required")
	}
	if period < time.Second {
		period = DefaultPeriod
	}

	end := e.now().UTC()
	start := end.Add(-window)
	input := &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(start),
		EndTime:   aws.Time(end),
		ScanBy:    types.ScanByTimestampAscending,
		MetricDataQueries: []types.MetricDataQuery{{
			Id: aws.String("backlog"),
			MetricStat: &types.MetricStat{
				Metric: &types.Metric{
					Namespace:  aws.String(Namespace),
					MetricName: aws.String(MetricName),
					Dimensions: []types.Dimension{
						{Name: aws.String("FileSystemId"), Value: aws.String(resourceID)},
						{Name: aws.String("Publisher"), Value: aws.String(Publisher)},
					},
				},
				Period: aws.Int32(int32(period / time.Second)),
				Stat:   aws.String(Stat),
			},
		}},
	}

	var values []float64
	for {
		if err := e.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := e.client.GetMetricData(ctx, input)
		if err != nil {
			return nil, cloud.WrapError("cloudwatch", "GetMetricData", resourceID, err)
		}
		for _, r := range out.MetricDataResults {
			values = append(values, r.Values...)
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	result := Decide(values)
	return &result, nil
}
