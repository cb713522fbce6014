// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package journal

import (
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/journal/journal/replay"
	"github.com/cubefs/journal/metrics"
	"golang.org/x/time/rate"
)

const progressLogInterval = time.Second

type taskProgress struct {
	weight      int
	numSubTasks int
	completed   int
	done        bool
}

// ProgressReporter turns the progress of the weighted replay tasks into a
// mount progress percentage
type ProgressReporter struct {
	tasks       map[TaskID]*taskProgress
	totalWeight int
	progress    int
	limiter     *rate.Limiter
	lock        sync.Mutex
}

func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{
		tasks:   make(map[TaskID]*taskProgress),
		limiter: rate.NewLimiter(rate.Every(progressLogInterval), 1),
	}
}

func (p *ProgressReporter) RegisterTask(taskId TaskID, weight int) {
	p.lock.Lock()
	p.tasks[taskId] = &taskProgress{weight: weight}
	p.totalWeight += weight
	p.lock.Unlock()
}

func (p *ProgressReporter) TaskStarted(taskId TaskID, numSubTasks int) {
	p.lock.Lock()
	if task, ok := p.tasks[taskId]; ok {
		task.numSubTasks = numSubTasks
	}
	p.lock.Unlock()
	log.Infof("replay task %s started, %d sub tasks", taskId, numSubTasks)
}

func (p *ProgressReporter) SubTaskCompleted(taskId TaskID, numCompleted int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	task, ok := p.tasks[taskId]
	if !ok {
		return
	}
	task.completed += numCompleted
	if task.completed > task.numSubTasks {
		task.completed = task.numSubTasks
	}
	p.update()
}

func (p *ProgressReporter) TaskCompleted(taskId TaskID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if task, ok := p.tasks[taskId]; ok {
		task.done = true
	}
	p.update()
	log.Infof("replay task %s completed, progress %d%%", taskId, p.progress)
}

// Completed moves the progress to the end, skipped tasks included
func (p *ProgressReporter) Completed() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, task := range p.tasks {
		task.done = true
	}
	p.update()
}

func (p *ProgressReporter) GetProgress() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.progress
}

func (p *ProgressReporter) update() {
	if p.totalWeight == 0 {
		return
	}
	done := 0.0
	for _, task := range p.tasks {
		switch {
		case task.done:
			done += float64(task.weight)
		case task.numSubTasks > 0:
			done += float64(task.weight) * float64(task.completed) / float64(task.numSubTasks)
		}
	}
	p.progress = int(done * 100 / float64(p.totalWeight))
	metrics.ReplayProgressGauge.Set(float64(p.progress))
	if p.limiter.Allow() {
		log.Infof("journal replay progress %d%%", p.progress)
	}
}

// subTaskReporter forwards the sub task progress of the log replay
type subTaskReporter struct {
	taskId   TaskID
	reporter *ProgressReporter
}

func (r *subTaskReporter) SubTaskCompleted(_ replay.SubTaskID, numCompleted int) {
	r.reporter.SubTaskCompleted(r.taskId, numCompleted)
}
