package memory

import (
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
)

// Repository is an alias for Memory to match the pattern
type Repository = Memory

// Memory keeps everything in process memory. It is meant for development and tests.
type Memory struct {
	scheduledMessage *scheduledMessageRepository
	bulkRun          *bulkRunRepository
}

var _ interfaces.Repository = &Memory{}

func New() *Memory {
	return &Memory{
		scheduledMessage: newScheduledMessageRepository(),
		bulkRun:          newBulkRunRepository(),
	}
}

func (m *Memory) ScheduledMessage() interfaces.ScheduledMessageRepository {
	return m.scheduledMessage
}

func (m *Memory) BulkRun() interfaces.BulkRunRepository {
	return m.bulkRun
}

func (m *Memory) Close() error {
	return nil
}
