// Package influx is the InfluxDB 2 backend of the telemetry store.
package influx

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/store"
)

type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Backend implements store.Backend.
type Backend struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	reader api.QueryAPI
	bucket string
	logger *zap.Logger
}

func New(config Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &Backend{
		client: client,
		writer: client.WriteAPIBlocking(config.Org, config.Bucket),
		reader: client.QueryAPI(config.Org),
		bucket: config.Bucket,
		logger: logger,
	}
}

func (b *Backend) Write(ctx context.Context, points []store.Point) error {
	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time))
	}
	if err := b.writer.WritePoint(ctx, batch...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (b *Backend) Range(ctx context.Context, q store.Query) ([]store.Record, error) {
	return b.query(ctx, q.Measurement, rangeQuery(b.bucket, q))
}

func (b *Backend) Latest(ctx context.Context, measurement, droneID string) (*store.Record, error) {
	records, err := b.query(ctx, measurement, latestQuery(b.bucket, measurement, droneID))
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (b *Backend) query(ctx context.Context, measurement, flux string) ([]store.Record, error) {
	result, err := b.reader.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()
	var records []store.Record
	for result.Next() {
		fr := result.Record()
		r := store.Record{
			Measurement: measurement,
			Time:        fr.Time(),
			Tags:        map[string]string{},
			Fields:      map[string]any{},
		}
		for k, v := range fr.Values() {
			switch {
			case k == "result" || k == "table" || strings.HasPrefix(k, "_"):
			case k == store.TagDroneID || k == store.TagBatteryID:
				r.Tags[k] = fmt.Sprint(v)
			default:
				r.Fields[k] = v
			}
		}
		r.DroneID = r.Tags[store.TagDroneID]
		records = append(records, r)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	return records, nil
}

func (b *Backend) Close() error {
	b.client.Close()
	return nil
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)

func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func rangeQuery(bucket string, q store.Query) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&sb, "  |> range(start: %s)\n", q.Since.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", fluxString(q.Measurement))
	if q.DroneID != "" {
		fmt.Fprintf(&sb, "  |> filter(fn: (r) => r[\"drone_id\"] == %s)\n", fluxString(q.DroneID))
	}
	sb.WriteString("  |> pivot(rowKey:[\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	sb.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	return sb.String()
}

func latestQuery(bucket, measurement, droneID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "from(bucket: %s)\n", fluxString(bucket))
	sb.WriteString("  |> range(start: 0)\n")
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", fluxString(measurement))
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r[\"drone_id\"] == %s)\n", fluxString(droneID))
	sb.WriteString("  |> last()\n")
	sb.WriteString("  |> pivot(rowKey:[\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	return sb.String()
}
