package logger

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var cwClient *cloudwatch.Client
var cwNamespace = "Depthflow"

// InitCloudWatch initialises the CloudWatch client using the provided region
// and namespace. If region is empty it falls back to the AWS_REGION
// environment variable. When the client cannot be created the function logs a
// warning and metrics publishing remains disabled.
func InitCloudWatch(region, namespace string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwClient = cloudwatch.NewFromConfig(cfg)

	if namespace != "" {
		cwNamespace = namespace
	}

	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")
}

// publishMetrics sends the provided metric data to CloudWatch when the client
// has been initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cwClient == nil {
		log.Debug("CloudWatch client not initialized; skipping metric publish")
		return
	}

	if len(data) == 0 {
		log.Debug("no metric data to publish")
		return
	}

	if _, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// publishMetricValue converts one logged metric into a CloudWatch datum with
// string fields attached as dimensions. Non-numeric values are skipped.
func publishMetricValue(component, metric string, value interface{}, fields Fields) {
	var val float64
	switch v := value.(type) {
	case int:
		val = float64(v)
	case int32:
		val = float64(v)
	case int64:
		val = float64(v)
	case uint64:
		val = float64(v)
	case float32:
		val = float64(v)
	case float64:
		val = v
	default:
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if k == "metric" || k == "metric_type" || k == "value" {
			continue
		}
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}
