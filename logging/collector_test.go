package logging

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogCollector_GetLogsReturnsCopy(t *testing.T) {
	c := NewLogCollector()
	c.AddLog("n", LogEntry{Message: "first"})

	logs := c.GetLogs("n")
	logs[0].Message = "changed"

	assert.Equal(t, "first", c.GetLogs("n")[0].Message)
	assert.Nil(t, c.GetLogs("missing"))
}

func TestLogCollector_Take(t *testing.T) {
	c := NewLogCollector()
	c.AddLog("n", LogEntry{Message: "one"})
	c.AddLog("n", LogEntry{Message: "two"})

	taken := c.Take("n")
	assert.Len(t, taken, 2)
	assert.Empty(t, c.GetLogs("n"))
}

func TestLogCollector_Clear(t *testing.T) {
	c := NewLogCollector()
	c.AddLog("n", LogEntry{Message: "one"})
	c.Clear()
	assert.Empty(t, c.GetAllLogs())
}

func TestLogCollector_Concurrent(t *testing.T) {
	c := NewLogCollector()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.AddLog(fmt.Sprintf("n%d", i%2), LogEntry{Message: "m"})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.GetLogs("n0"), 500)
	assert.Len(t, c.GetLogs("n1"), 500)
}

func TestLogEntry_String(t *testing.T) {
	e := LogEntry{
		Time:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:      "INFO",
		Message:    "polled",
		Attributes: map[string]interface{}{"status": 3, "job_id": 7},
	}
	assert.Equal(t, "2024-01-02T03:04:05Z INFO polled job_id=7 status=3", e.String())
}
