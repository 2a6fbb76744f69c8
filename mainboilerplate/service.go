package mainboilerplate

import (
	petname "github.com/dustinkirkland/golang-petname"
	log "github.com/sirupsen/logrus"
)

// ServiceConfig identifies the process.
type ServiceConfig struct {
	ID string `long:"id" env:"ID" description:"Unique ID of this process, included in its logs. Auto-generated if not set"`
}

// ProcessID returns the configured ID, or a generated one if not set.
func (cfg *ServiceConfig) ProcessID() string {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	return cfg.ID
}

// Logger returns a log Entry having the "process" field.
func (cfg *ServiceConfig) Logger() *log.Entry {
	return log.WithField("process", cfg.ProcessID())
}
