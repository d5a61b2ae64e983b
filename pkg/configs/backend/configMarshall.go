package backend

import (
	"fmt"
	"time"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/backend.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type BackendConfigMarshall struct {
	Port      int32                    `yaml:"port"`
	Log       *LogConfigMarshall       `yaml:"log"`
	Database  string                   `yaml:"database"`
	Queue     *QueueConfigMarshall     `yaml:"queue"`
	Admission *AdmissionConfigMarshall `yaml:"admission"`
	Dispatch  *DispatchConfigMarshall  `yaml:"dispatch"`
	Workers   *WorkersConfigMarshall   `yaml:"workers"`
	Model     *ModelConfigMarshall     `yaml:"model"`
}

var _ Marshalled[*BackendConfig] = &BackendConfigMarshall{}

func (b *BackendConfigMarshall) trySeal(path string) *BackendConfig {
	port := b.Port
	if port == 0 {
		port = 8080
	}
	if port < 0 || 65535 < port {
		panic(fmt.Sprintf("%s.port should be in 1..65535, but %d", path, port))
	}

	queue := orEmpty(b.Queue).trySeal(path + ".queue")
	if queue.Type() == PostgresQueue && b.Database == "" {
		panic(path + ".database is required when " + path + ".queue.type is postgres")
	}

	return &BackendConfig{
		port:      port,
		log:       orEmpty(b.Log).trySeal(path + ".log"),
		database:  b.Database,
		queue:     queue,
		admission: orEmpty(b.Admission).trySeal(path + ".admission"),
		dispatch:  orEmpty(b.Dispatch).trySeal(path + ".dispatch"),
		workers:   orEmpty(b.Workers).trySeal(path + ".workers"),
		model:     orEmpty(b.Model).trySeal(path + ".model"),
	}
}

type LogConfigMarshall struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (lm *LogConfigMarshall) trySeal(path string) *LogConfig {
	level := lm.Level
	if level == "" {
		level = "info"
	}
	format := lm.Format
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		panic(fmt.Sprintf(`%s.format should be "text" or "json", but "%s"`, path, format))
	}
	return &LogConfig{level: level, format: format}
}

type QueueConfigMarshall struct {
	Type          string `yaml:"type"`
	PollInterval  string `yaml:"pollInterval"`
	Lease         string `yaml:"lease"`
	Batch         int    `yaml:"batch"`
	MemoryWorkers int    `yaml:"memoryWorkers"`
}

func (qm *QueueConfigMarshall) trySeal(path string) *QueueConfig {
	var typ QueueType
	switch QueueType(qm.Type) {
	case "", MemoryQueue:
		typ = MemoryQueue
	case PostgresQueue:
		typ = PostgresQueue
	default:
		panic(fmt.Sprintf(`%s.type should be "memory" or "postgres", but "%s"`, path, qm.Type))
	}

	batch := qm.Batch
	if batch == 0 {
		batch = 64
	}
	workers := qm.MemoryWorkers
	if workers == 0 {
		workers = 4
	}

	return &QueueConfig{
		typ:           typ,
		pollInterval:  duration(qm.PollInterval, time.Second, path+".pollInterval"),
		lease:         duration(qm.Lease, 10*time.Minute, path+".lease"),
		batch:         positive(batch, path+".batch"),
		memoryWorkers: positive(workers, path+".memoryWorkers"),
	}
}

type AdmissionConfigMarshall struct {
	MaxConcurrentRuns int            `yaml:"maxConcurrentRuns"`
	PlatformCeiling   int            `yaml:"platformCeiling"`
	Projects          map[string]int `yaml:"projects"`
}

func (am *AdmissionConfigMarshall) trySeal(path string) *AdmissionConfig {
	maxRuns := am.MaxConcurrentRuns
	if maxRuns == 0 {
		maxRuns = 1
	}
	projects := make(map[string]int, len(am.Projects))
	for id, n := range am.Projects {
		projects[id] = positive(n, path+".projects."+id)
	}
	return &AdmissionConfig{
		maxConcurrentRuns: positive(maxRuns, path+".maxConcurrentRuns"),
		platformCeiling:   notNegative(am.PlatformCeiling, path+".platformCeiling"),
		projects:          projects,
	}
}

type DispatchConfigMarshall struct {
	MaxChunkSize    int    `yaml:"maxChunkSize"`
	MaxActiveChunks int    `yaml:"maxActiveChunks"`
	Retries         *int   `yaml:"retries"`
	SubmitBackoff   string `yaml:"submitBackoff"`
	SubmitRetries   *int   `yaml:"submitRetries"`
}

func (dm *DispatchConfigMarshall) trySeal(path string) *DispatchConfig {
	retries := 1
	if dm.Retries != nil {
		retries = notNegative(*dm.Retries, path+".retries")
	}
	submitRetries := 3
	if dm.SubmitRetries != nil {
		submitRetries = notNegative(*dm.SubmitRetries, path+".submitRetries")
	}
	return &DispatchConfig{
		maxChunkSize:    notNegative(dm.MaxChunkSize, path+".maxChunkSize"),
		maxActiveChunks: notNegative(dm.MaxActiveChunks, path+".maxActiveChunks"),
		retries:         retries,
		submitBackoff:   duration(dm.SubmitBackoff, 200*time.Millisecond, path+".submitBackoff"),
		submitRetries:   submitRetries,
	}
}

type WorkersConfigMarshall struct {
	Source     string `yaml:"source"`
	Count      int    `yaml:"count"`
	Namespace  string `yaml:"namespace"`
	Selector   string `yaml:"selector"`
	Kubeconfig string `yaml:"kubeconfig"`
}

func (wm *WorkersConfigMarshall) trySeal(path string) *WorkersConfig {
	switch WorkerSource(wm.Source) {
	case "", StaticWorkers:
		count := wm.Count
		if count == 0 {
			count = 4
		}
		return &WorkersConfig{
			source: StaticWorkers,
			count:  positive(count, path+".count"),
		}
	case K8sWorkers:
		namespace := wm.Namespace
		if namespace == "" {
			namespace = "default"
		}
		return &WorkersConfig{
			source:     K8sWorkers,
			namespace:  namespace,
			selector:   required(wm.Selector, path+".selector"),
			kubeconfig: wm.Kubeconfig,
		}
	default:
		panic(fmt.Sprintf(`%s.source should be "static" or "k8s", but "%s"`, path, wm.Source))
	}
}

type ModelConfigMarshall struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
	RetryMax *int   `yaml:"retryMax"`
}

func (mm *ModelConfigMarshall) trySeal(path string) *ModelConfig {
	retryMax := 4
	if mm.RetryMax != nil {
		retryMax = notNegative(*mm.RetryMax, path+".retryMax")
	}
	return &ModelConfig{
		endpoint: mm.Endpoint,
		timeout:  duration(mm.Timeout, 10*time.Minute, path+".timeout"),
		retryMax: retryMax,
	}
}

func orEmpty[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive(v int, path string) int {
	if v < 1 {
		panic(fmt.Sprintf("%s should be positive, but %d", path, v))
	}
	return v
}

func notNegative(v int, path string) int {
	if v < 0 {
		panic(fmt.Sprintf("%s should not be negative, but %d", path, v))
	}
	return v
}

func duration(v string, def time.Duration, path string) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d <= 0 {
		panic(fmt.Sprintf("%s should be positive, but %s", path, v))
	}
	return d
}
