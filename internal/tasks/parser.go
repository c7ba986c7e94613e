package tasks

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The on-disk format is a simple block format, one task per block,
// blocks separated by a blank line:
//
//	## <id>
//	status: pending
//	priority: HIGH
//	queue: user
//	approvalRequired: false
//	approved: false
//	createdAt: 2025-01-10T09:00:00Z
//	updatedAt: 2025-01-10T09:00:00Z
//	description: Fix typo in readme
//	meta.taskType: documentation
//	meta.app: readme
//
// Arbitrary meta.* entries, including keys the parser does not
// recognize, are preserved verbatim in Metadata so that a later
// Serialize reproduces them, satisfying the round-trip law
// parse(serialize(tasks)) = tasks. Unrecognized keys without the
// meta. prefix are dropped.

const blockHeaderPrefix = "## "

// Parse reads the queue file format, assigning ReorderIndex by file
// order. An empty payload yields no tasks and no error. A block that
// fails validation, or a scan error, is returned as an error; callers
// then keep the last good snapshot.
func Parse(data []byte, queue Queue) ([]*Task, error) {
	var tasks []*Task
	var cur *Task
	idx := 0

	flush := func() error {
		if cur == nil {
			return nil
		}
		if err := cur.Validate(); err != nil {
			return fmt.Errorf("task block %q: %w", cur.ID, err)
		}
		cur.ReorderIndex = idx
		idx++
		tasks = append(tasks, cur)
		cur = nil
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(line, blockHeaderPrefix) {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = &Task{
				ID:       strings.TrimSpace(strings.TrimPrefix(line, blockHeaderPrefix)),
				Queue:    queue,
				Status:   StatusPending,
				Priority: PriorityMedium,
				Metadata: map[string]string{},
			}
			continue
		}

		if trimmed == "" || cur == nil {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "status":
			cur.Status = Status(value)
		case "priority":
			cur.Priority = Priority(value)
		case "queue":
			// the file determines the queue; an explicit queue
			// field is ignored.
		case "approvalRequired":
			cur.ApprovalRequired = value == "true"
		case "approved":
			cur.Approved = value == "true"
		case "currentAgentId":
			cur.CurrentAgentID = value
		case "createdAt":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				cur.CreatedAt = t
			}
		case "updatedAt":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				cur.UpdatedAt = t
			}
		case "description":
			cur.Description = value
		default:
			if strings.HasPrefix(key, "meta.") {
				cur.Metadata[strings.TrimPrefix(key, "meta.")] = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning task file: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return tasks, nil
}

// Serialize writes tasks back out in ReorderIndex order, one block per
// task, preserving every metadata key it was given.
func Serialize(tasks []*Task) []byte {
	ordered := make([]*Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReorderIndex < ordered[j].ReorderIndex
	})

	var buf bytes.Buffer
	for i, t := range ordered {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "%s%s\n", blockHeaderPrefix, t.ID)
		fmt.Fprintf(&buf, "status: %s\n", t.Status)
		fmt.Fprintf(&buf, "priority: %s\n", t.Priority)
		fmt.Fprintf(&buf, "approvalRequired: %s\n", strconv.FormatBool(t.ApprovalRequired))
		fmt.Fprintf(&buf, "approved: %s\n", strconv.FormatBool(t.Approved))
		if t.CurrentAgentID != "" {
			fmt.Fprintf(&buf, "currentAgentId: %s\n", t.CurrentAgentID)
		}
		if !t.CreatedAt.IsZero() {
			fmt.Fprintf(&buf, "createdAt: %s\n", t.CreatedAt.Format(time.RFC3339))
		}
		if !t.UpdatedAt.IsZero() {
			fmt.Fprintf(&buf, "updatedAt: %s\n", t.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&buf, "description: %s\n", t.Description)

		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, "meta.%s: %s\n", k, t.Metadata[k])
		}
	}
	return buf.Bytes()
}
