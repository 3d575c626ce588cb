package option

import (
	"time"

	"github.com/nats-io/nats.go"
	"gitlab.com/shar-workflow/taskflow/common/authz"
)

// ServerOptions contains settings that control various aspects of taskflow operation and behaviour
type ServerOptions struct {
	NatsURL              string
	NatsConnOptions      []nats.Option
	Store                string
	StorePath            string
	Ephemeral            bool
	CacheSize            int64
	Transport            string
	RequestTimeout       time.Duration
	Concurrency          int64
	NotifyBuffer         int
	Authorizer           authz.Func
	HealthServiceEnabled bool
	GrpcPort             int
	MetricsEnabled       bool
	MetricsPort          int
	TelemetryEndpoint    string
	Models               []string
	ShowSplash           bool
}

// Option represents a taskflow server option
type Option interface {
	Configure(serverOptions *ServerOptions)
}

// NatsURL specifies the nats URL to connect to
func NatsURL(url string) natsURLOption { //nolint
	return natsURLOption{value: url}
}

type natsURLOption struct{ value string }

func (o natsURLOption) Configure(serverOptions *ServerOptions) {
	serverOptions.NatsURL = o.value
}

// WithNatsConnOptions passes options to the NATS connection.
func WithNatsConnOptions(opts ...nats.Option) natsConnOption { //nolint
	return natsConnOption{value: opts}
}

type natsConnOption struct{ value []nats.Option }

func (o natsConnOption) Configure(serverOptions *ServerOptions) {
	serverOptions.NatsConnOptions = append(serverOptions.NatsConnOptions, o.value...)
}

// Store selects the storage backend kind and, for file backed kinds, its path.
func Store(kind string, path string) storeOption { //nolint
	return storeOption{kind: kind, path: path}
}

type storeOption struct{ kind, path string }

func (o storeOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Store = o.kind
	serverOptions.StorePath = o.path
}

// Ephemeral keeps NATS key value buckets in memory.
func Ephemeral(enabled bool) ephemeralOption { //nolint
	return ephemeralOption{value: enabled}
}

type ephemeralOption struct{ value bool }

func (o ephemeralOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Ephemeral = o.value
}

// CacheSize sets the number of records each store caches.
func CacheSize(items int64) cacheSizeOption { //nolint
	return cacheSizeOption{value: items}
}

type cacheSizeOption struct{ value int64 }

func (o cacheSizeOption) Configure(serverOptions *ServerOptions) {
	serverOptions.CacheSize = o.value
}

// Transport selects how dispatched messages reach endpoints.
func Transport(kind string) transportOption { //nolint
	return transportOption{value: kind}
}

type transportOption struct{ value string }

func (o transportOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Transport = o.value
}

// RequestTimeout bounds each dispatched request.
func RequestTimeout(d time.Duration) requestTimeoutOption { //nolint
	return requestTimeoutOption{value: d}
}

type requestTimeoutOption struct{ value time.Duration }

func (o requestTimeoutOption) Configure(serverOptions *ServerOptions) {
	serverOptions.RequestTimeout = o.value
}

// Concurrency specifies the number of requests the gateway keeps in flight.
func Concurrency(n int64) concurrencyOption { //nolint
	return concurrencyOption{value: n}
}

type concurrencyOption struct{ value int64 }

func (o concurrencyOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Concurrency = o.value
}

// NotifyBuffer sizes the gateway completion queue.
func NotifyBuffer(n int) notifyBufferOption { //nolint
	return notifyBufferOption{value: n}
}

type notifyBufferOption struct{ value int }

func (o notifyBufferOption) Configure(serverOptions *ServerOptions) {
	serverOptions.NotifyBuffer = o.value
}

// WithAuthorizer specifies the permission check applied to engine calls.
func WithAuthorizer(fn authz.Func) authorizerOption { //nolint
	return authorizerOption{value: fn}
}

type authorizerOption struct{ value authz.Func }

func (o authorizerOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Authorizer = o.value
}

// WithNoHealthServer disables the grpc health server.
func WithNoHealthServer() noHealthServerOption { //nolint
	return noHealthServerOption{}
}

type noHealthServerOption struct{}

func (o noHealthServerOption) Configure(serverOptions *ServerOptions) {
	serverOptions.HealthServiceEnabled = false
}

// GrpcPort specifies the port healthcheck is listening on.  Zero picks a free port.
func GrpcPort(port int) grpcPortOption { //nolint
	return grpcPortOption{value: port}
}

type grpcPortOption struct{ value int }

func (o grpcPortOption) Configure(serverOptions *ServerOptions) {
	serverOptions.GrpcPort = o.value
}

// WithNoMetricsServer disables the prometheus endpoint.
func WithNoMetricsServer() noMetricsServerOption { //nolint
	return noMetricsServerOption{}
}

type noMetricsServerOption struct{}

func (o noMetricsServerOption) Configure(serverOptions *ServerOptions) {
	serverOptions.MetricsEnabled = false
}

// MetricsPort specifies the port metrics are served on.  Zero picks a free port.
func MetricsPort(port int) metricsPortOption { //nolint
	return metricsPortOption{value: port}
}

type metricsPortOption struct{ value int }

func (o metricsPortOption) Configure(serverOptions *ServerOptions) {
	serverOptions.MetricsPort = o.value
}

// WithTelemetryEndpoint selects where traces are exported.  "console" prints them to stdout.
func WithTelemetryEndpoint(endpoint string) telemetryEndpointOption { //nolint
	return telemetryEndpointOption{endpoint: endpoint}
}

type telemetryEndpointOption struct {
	endpoint string
}

func (o telemetryEndpointOption) Configure(serverOptions *ServerOptions) {
	serverOptions.TelemetryEndpoint = o.endpoint
}

// WithModels loads model documents on startup.
func WithModels(paths ...string) modelsOption { //nolint
	return modelsOption{value: paths}
}

type modelsOption struct{ value []string }

func (o modelsOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Models = append(serverOptions.Models, o.value...)
}

// WithShowSplash specifies whether to show the configuration table on startup.
func WithShowSplash() showSplashOption {
	return showSplashOption{showSplash: true}
}

type showSplashOption struct {
	showSplash bool
}

func (o showSplashOption) Configure(serverOptions *ServerOptions) {
	serverOptions.ShowSplash = o.showSplash
}
