package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	entrySeparator    = ";"
	taskSeparator     = ":"
	taskListSeparator = ","
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry is a parsed schedule entry: the tasks to run and their cron schedule.
type Entry struct {
	Tasks    []string
	CronSpec string
}

// ParseEntries parses a schedule of the form task1,task2:cron;task3:cron.
//
// Example:
//
//	"timers:* * * * *;expire:0 * * * *"
func ParseEntries(spec string, available map[string]bool) ([]Entry, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule cannot be empty")
	}

	var entries []Entry
	for _, s := range strings.Split(spec, entrySeparator) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		e, err := parseEntry(s, available)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return nil, errors.New("no valid entries found in schedule")
	}
	return entries, nil
}

func parseEntry(s string, available map[string]bool) (Entry, error) {
	parts := strings.SplitN(s, taskSeparator, 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("invalid schedule entry: expected format 'tasks:cron', got '%s'", s)
	}

	tasksStr := strings.TrimSpace(parts[0])
	cronSpec := strings.TrimSpace(parts[1])
	if tasksStr == "" {
		return Entry{}, fmt.Errorf("invalid schedule entry: missing tasks in '%s'", s)
	}
	if cronSpec == "" {
		return Entry{}, fmt.Errorf("invalid schedule entry: missing cron schedule in '%s'", s)
	}

	seen := make(map[string]bool)
	var tasks []string
	for _, name := range strings.Split(tasksStr, taskListSeparator) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if seen[name] {
			return Entry{}, fmt.Errorf("invalid schedule entry: duplicate task '%s' in '%s'", name, s)
		}
		seen[name] = true
		if !available[name] {
			return Entry{}, fmt.Errorf("invalid schedule entry: unknown task '%s' in '%s' (available: %s)",
				name, s, formatAvailable(available))
		}
		tasks = append(tasks, name)
	}
	if len(tasks) == 0 {
		return Entry{}, fmt.Errorf("invalid schedule entry: no valid tasks in '%s'", s)
	}

	if _, err := cronParser.Parse(cronSpec); err != nil {
		return Entry{}, fmt.Errorf("invalid schedule entry: invalid cron expression in '%s': %w", s, err)
	}
	return Entry{Tasks: tasks, CronSpec: cronSpec}, nil
}

func formatAvailable(available map[string]bool) string {
	names := make([]string, 0, len(available))
	for n := range available {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
