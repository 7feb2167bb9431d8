package main

import (
	"sync"

	"github.com/zsiec/refract/pipeline"
)

// pipelineMap is a concurrency-safe map of stream key to running pipeline,
// consulted by the debug endpoint.
type pipelineMap struct {
	mu sync.RWMutex
	m  map[string]*pipeline.Pipeline
}

func (pm *pipelineMap) set(key string, p *pipeline.Pipeline) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.m == nil {
		pm.m = make(map[string]*pipeline.Pipeline)
	}
	pm.m[key] = p
}

func (pm *pipelineMap) get(key string) *pipeline.Pipeline {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.m[key]
}

func (pm *pipelineMap) delete(key string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.m, key)
}
