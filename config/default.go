package config

// DefaultMandatoryVars is an example chain registry. Chains have no default because they
// depend on the deployment, the config command prints this block as a starting point.
const DefaultMandatoryVars = `
# Hub chain, relays spoke to spoke transfers
[[Chains]]
  ID = "icon"
  Family = "icon"
  NetworkID = "0x1.icon"
  NativeChainID = "0x1"
  Hub = true
  FeeToken = "ICX"
  ConfirmationLag = 2
  XCallAddress = "cxa07f426062a1384bdd762afa6a87d123fbc81c75"
  AssetManagerAddress = "cxabea09a8c5f3efa54d0a0370b14715e6f2270591"
  RPCURL = "https://ctz.solidwallet.io/api/v3"
  IndexerURL = "https://tracker.icon.community/api/v1"
  RequestsPerSecond = 5
  RequestTimeout = "10s"
  GasLimit = 5000000

[[Chains]]
  ID = "avalanche"
  Family = "evm"
  NetworkID = "0xa86a.avax"
  NativeChainID = "43114"
  FeeToken = "AVAX"
  ConfirmationLag = 4
  XCallAddress = "0xfC83a3F252090B26f92F91DFB9dC3Eb710AdAf1b"
  AssetManagerAddress = "0xdf851B4f0D9b2323e03B3980b1C4Cf56273c0bd9"
  RPCURL = "https://api.avax.network/ext/bc/C/rpc"
  RequestsPerSecond = 10
  RequestTimeout = "10s"
  SyncBlockChunkSize = 2000
`

// DefaultVars are the vars referenced by DefaultValues, overridable from the environment
const DefaultVars = `
PathRWData = "/tmp/xtracker"
SyncChunkSize = 100
`

// DefaultValues is the default configuration
const DefaultValues = `
# This is the default configuration for the xcall tracker

# Log configuration
[Log]
  # Environment is the environment where the node is running
  Environment = "development" # "production" or "development"
  # Level is the log level
  Level = "info"
  # Outputs are the outputs where the logs will be written
  Outputs = ["stderr"]

[Sync]
  # SyncInterval is the period of every chain scanner, chains may override it
  SyncInterval = "5s"
  # SyncBlockChunkSize is the max number of heights scanned per tick
  SyncBlockChunkSize = {{SyncChunkSize}}
  # MaxConsecutiveFailures flags the chain stalled after this many failed ticks
  MaxConsecutiveFailures = 5
  # InitialLookback is how far behind the head a chain without watermark starts
  InitialLookback = 0
  RetryAfterErrorPeriod = "1s"
  MaxRetryAttemptsAfterError = 3

[Tracker]
  # DBPath is the path of the database
  DBPath = "{{PathRWData}}/tracker.sqlite"
  # RetentionPeriod hides final transactions older than this, 0 keeps them forever
  RetentionPeriod = "720h"
  RetentionSchedule = "@every 1h"
  # NotificationBuffer is the per subscriber buffer of status changes
  NotificationBuffer = 100

[Orchestrator]
  # HopTimeout flags hops without progress as stalled, they are never failed
  HopTimeout = "30m"
  HopTimeoutCheckInterval = "1m"
  SubmitTimeout = "60s"
  VerifySourceTx = true

[RPC]
  # Host defines the network adapter that will be used to serve the HTTP requests
  Host = "0.0.0.0"
  # Port defines the port to serve the endpoints via HTTP
  Port = 5576
  # ReadTimeout is the HTTP server read timeout
  # check net/http.server.ReadTimeout and net/http.server.ReadHeaderTimeout
  ReadTimeout = "2s"
  # WriteTimeout is the HTTP server write timeout, it also bounds submissions
  # check net/http.server.WriteTimeout
  WriteTimeout = "60s"
  # MaxRequestsPerIPAndSecond defines how much requests a single IP can
  # send within a single second
  MaxRequestsPerIPAndSecond = 10

[Status]
  # Host and Port of the websocket, /health and /metrics server
  Host = "0.0.0.0"
  Port = 5577
  WriteTimeout = "10s"

[Kafka]
  Enabled = false
  Brokers = "localhost:9092"
  Topic = "xcall-status"
  DeliveryTimeout = "10s"
  MaxDeliveryAttempts = 3
`
