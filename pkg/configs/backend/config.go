package backend

import "time"

type BackendConfig struct {
	port      int32
	log       *LogConfig
	database  string
	queue     *QueueConfig
	admission *AdmissionConfig
	dispatch  *DispatchConfig
	workers   *WorkersConfig
	model     *ModelConfig
}

// port of the API server. default = 8080
func (c *BackendConfig) Port() int32 {
	return c.port
}

func (c *BackendConfig) Log() *LogConfig {
	return c.log
}

// Connection string for database.
//
// When empty, runs are held in memory only.
func (c *BackendConfig) Database() string {
	return c.database
}

func (c *BackendConfig) Queue() *QueueConfig {
	return c.queue
}

func (c *BackendConfig) Admission() *AdmissionConfig {
	return c.admission
}

func (c *BackendConfig) Dispatch() *DispatchConfig {
	return c.dispatch
}

func (c *BackendConfig) Workers() *WorkersConfig {
	return c.workers
}

func (c *BackendConfig) Model() *ModelConfig {
	return c.model
}

type LogConfig struct {
	level  string
	format string
}

// logrus level name. default = "info"
func (l *LogConfig) Level() string {
	return l.level
}

// "text" or "json". default = "text"
func (l *LogConfig) Format() string {
	return l.format
}

type QueueType string

const (
	MemoryQueue   QueueType = "memory"
	PostgresQueue QueueType = "postgres"
)

type QueueConfig struct {
	typ           QueueType
	pollInterval  time.Duration
	lease         time.Duration
	batch         int
	memoryWorkers int
}

// default = memory
func (q *QueueConfig) Type() QueueType {
	return q.typ
}

// interval to poll the postgres queue for results. default = 1s
func (q *QueueConfig) PollInterval() time.Duration {
	return q.pollInterval
}

// how long a job picked from the postgres queue is held by its worker without
// sign of life. After that, another worker can pick it. default = 10m
func (q *QueueConfig) Lease() time.Duration {
	return q.lease
}

// results taken from the postgres queue at once. default = 64
func (q *QueueConfig) Batch() int {
	return q.batch
}

// workers in process, for the memory queue. default = 4
func (q *QueueConfig) MemoryWorkers() int {
	return q.memoryWorkers
}

type AdmissionConfig struct {
	maxConcurrentRuns int
	platformCeiling   int
	projects          map[string]int
}

// ceiling of concurrent user-triggered runs of projects not in Projects. default = 1
func (a *AdmissionConfig) MaxConcurrentRuns() int {
	return a.maxConcurrentRuns
}

// 0 means unlimited.
func (a *AdmissionConfig) PlatformCeiling() int {
	return a.platformCeiling
}

// project id -> ceiling. The returned map is a copy.
func (a *AdmissionConfig) Projects() map[string]int {
	out := make(map[string]int, len(a.projects))
	for k, v := range a.projects {
		out[k] = v
	}
	return out
}

type DispatchConfig struct {
	maxChunkSize    int
	maxActiveChunks int
	retries         int
	submitBackoff   time.Duration
	submitRetries   int
}

// 0 means no ceiling.
func (d *DispatchConfig) MaxChunkSize() int {
	return d.maxChunkSize
}

// chunks in flight over all runs. 0 means unlimited.
func (d *DispatchConfig) MaxActiveChunks() int {
	return d.maxActiveChunks
}

// re-submissions of a transiently failed chunk. default = 1
func (d *DispatchConfig) Retries() int {
	return d.retries
}

// default = 200ms
func (d *DispatchConfig) SubmitBackoff() time.Duration {
	return d.submitBackoff
}

// default = 3
func (d *DispatchConfig) SubmitRetries() int {
	return d.submitRetries
}

type WorkerSource string

const (
	StaticWorkers WorkerSource = "static"
	K8sWorkers    WorkerSource = "k8s"
)

type WorkersConfig struct {
	source     WorkerSource
	count      int
	namespace  string
	selector   string
	kubeconfig string
}

// default = static
func (w *WorkersConfig) Source() WorkerSource {
	return w.source
}

// number of workers for the static source. default = 4
func (w *WorkersConfig) Count() int {
	return w.count
}

// namespace of worker pods for the k8s source. default = "default"
func (w *WorkersConfig) Namespace() string {
	return w.namespace
}

// label selector of worker pods for the k8s source.
func (w *WorkersConfig) Selector() string {
	return w.selector
}

// path to kubeconfig. When empty, it is searched or in-cluster config is used.
func (w *WorkersConfig) Kubeconfig() string {
	return w.kubeconfig
}

type ModelConfig struct {
	endpoint string
	timeout  time.Duration
	retryMax int
}

// base URL of the model service. When empty, the builtin digest model is used.
func (m *ModelConfig) Endpoint() string {
	return m.endpoint
}

// default = 10m
func (m *ModelConfig) Timeout() time.Duration {
	return m.timeout
}

// default = 4
func (m *ModelConfig) RetryMax() int {
	return m.retryMax
}
