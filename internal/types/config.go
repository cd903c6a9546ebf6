package types

// WorkerConfig describes a worker process entry of a workers.yaml document.
type WorkerConfig struct {
	Name       string `yaml:"name" json:"name"`
	Capability string `yaml:"capability" json:"capability"`
}

// WorkersConfig is the top-level shape of a workers.yaml document. Nothing
// in the module loads it.
type WorkersConfig struct {
	Workers []WorkerConfig `yaml:"workers"`
}
