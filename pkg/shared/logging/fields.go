// Package logging provides structured logging field builders shared across
// condastore components. Fields is a small fluent builder so call sites read
// as a sentence (logging.NewFields().Component("storage").Operation("set"))
// instead of repeating map[string]interface{} literals everywhere.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Fields is a set of structured logging key/value pairs.
type Fields map[string]interface{}

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus adapts Fields for logrus.WithFields call sites that have not yet
// migrated to zap.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ToZap adapts Fields into zap.Field slices.
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// DatabaseFields is shorthand for the fields every repository log line needs.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is shorthand for the thin HTTP surface's access log lines.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// BuildFields is shorthand for build-orchestrator log lines.
func BuildFields(operation string, buildID int64) Fields {
	return NewFields().Component("build").Operation(operation).Custom("build_id", buildID)
}

// StorageFields is shorthand for storage-backend log lines.
func StorageFields(operation, key string) Fields {
	return NewFields().Component("storage").Operation(operation).Custom("key", key)
}

// PluginFields is shorthand for plugin-registry log lines.
func PluginFields(kind, name string) Fields {
	return NewFields().Component("plugin").Custom("plugin_kind", kind).Custom("plugin_name", name)
}

// MetricsFields is shorthand for metrics-recording log lines.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// SecurityFields is shorthand for authorization log lines.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// PerformanceFields is shorthand for timed-operation log lines.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
