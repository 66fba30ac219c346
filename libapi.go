package backplane

import (
	"github.com/drblury/backplane/backend"
	runtimepkg "github.com/drblury/backplane/internal/runtime"
	configpkg "github.com/drblury/backplane/internal/runtime/config"
	"github.com/drblury/backplane/internal/runtime/connpool"
	errspkg "github.com/drblury/backplane/internal/runtime/errors"
	idspkg "github.com/drblury/backplane/internal/runtime/ids"
	jsoncodec "github.com/drblury/backplane/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

type (
	Config             = configpkg.Config
	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies
	Args               = runtimepkg.Args

	// Key/value store
	Client  = runtimepkg.Client
	Clients = runtimepkg.Clients

	// Signals and observability
	Hooks        = runtimepkg.Hooks
	ConnectEvent = runtimepkg.ConnectEvent
	Status       = runtimepkg.Status
	Metrics      = runtimepkg.Metrics

	// Shared connections
	Pool            = connpool.Pool
	Lease           = connpool.Lease
	ConnFactory     = connpool.Factory
	ConnFactoryFunc = connpool.FactoryFunc
	SharedConn      = connpool.SharedConn
	ConnState       = connpool.State

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Backends
	Backend             = backend.Conn
	BackendBuilder      = backend.Builder
	BackendConfig       = backend.Config
	BackendRegistry     = backend.Registry
	BackendCapabilities = backend.Capabilities
	EventLog            = backend.EventLog
	Store               = backend.Store
	StoreKey            = backend.Key
	Event               = backend.Event
)

var (
	NewBroker      = runtimepkg.NewBroker
	ValidateConfig = configpkg.ValidateConfig

	EncodeArgs = runtimepkg.EncodeArgs
	DecodeArgs = runtimepkg.DecodeArgs

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks
	NewMetrics    = runtimepkg.NewMetrics

	NewPool       = connpool.NewPool
	DefaultPool   = connpool.DefaultPool
	NewSharedConn = connpool.NewSharedConn

	// Backend registry. Every bundled backend is registered on import.
	DefaultBackendRegistry = backend.DefaultRegistry
	RegisterBackend        = backend.Register
	GetCapabilities        = backend.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrBrokerDestroyed   = errspkg.ErrBrokerDestroyed
	ErrChannelRequired   = errspkg.ErrChannelRequired
	ErrCallbackRequired  = errspkg.ErrCallbackRequired
	ErrClientIDRequired  = errspkg.ErrClientIDRequired
	ErrKeyRequired       = errspkg.ErrKeyRequired
	ErrArgIndex          = errspkg.ErrArgIndex
	ErrConnReleased      = errspkg.ErrConnReleased
	ErrMissingEventField = errspkg.ErrMissingEventField
	ErrUnknownBackend    = backend.ErrUnknownBackend

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	CreateULID = idspkg.CreateULID
	NewNodeID  = idspkg.NewNodeID
)

// Error kinds reported through Metrics.
const (
	ErrorKindPublish   = runtimepkg.ErrorKindPublish
	ErrorKindSubscribe = runtimepkg.ErrorKindSubscribe
	ErrorKindDecode    = runtimepkg.ErrorKindDecode
	ErrorKindCallback  = runtimepkg.ErrorKindCallback
	ErrorKindBackend   = runtimepkg.ErrorKindBackend
	ErrorKindExpire    = runtimepkg.ErrorKindExpire
)

// Connection states of a SharedConn.
const (
	ConnUnopened = connpool.StateUnopened
	ConnOpen     = connpool.StateOpen
	ConnClosed   = connpool.StateClosed
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultBackend               = configpkg.DefaultBackend
	DefaultCollectionPrefix      = configpkg.DefaultCollectionPrefix
	DefaultStreamCollectionName  = configpkg.DefaultStreamCollectionName
	DefaultStorageCollectionName = configpkg.DefaultStorageCollectionName
	DefaultMaxLogSizeBytes       = configpkg.DefaultMaxLogSizeBytes
)
