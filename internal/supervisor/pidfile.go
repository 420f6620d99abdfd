package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// PIDRecord is the on-disk record behind the status and cleanup CLI commands.
type PIDRecord struct {
	SupervisorPID int       `json:"supervisor_pid"`
	ChildPID      int       `json:"child_pid"`
	Command       []string  `json:"command"`
	StartedAt     time.Time `json:"started_at"`
}

func (s *Supervisor) writePIDFile() error {
	if s.cfg.PIDFile == "" {
		return nil
	}
	return WritePIDRecord(s.cfg.PIDFile, PIDRecord{
		SupervisorPID: os.Getpid(),
		Command:       s.command,
		StartedAt:     time.Now().UTC(),
	})
}

func (s *Supervisor) updatePIDFile() error {
	if s.cfg.PIDFile == "" {
		return nil
	}
	record, err := ReadPIDRecord(s.cfg.PIDFile)
	if err != nil {
		record = PIDRecord{SupervisorPID: os.Getpid(), Command: s.command, StartedAt: time.Now().UTC()}
	}
	record.ChildPID = s.Status().PID
	return WritePIDRecord(s.cfg.PIDFile, record)
}

func (s *Supervisor) removePIDFile() {
	if s.cfg.PIDFile == "" {
		return
	}
	_ = os.Remove(s.cfg.PIDFile)
}

// WritePIDRecord persists the record atomically via rename.
func WritePIDRecord(path string, record PIDRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDRecord loads the record from disk.
func ReadPIDRecord(path string) (PIDRecord, error) {
	var record PIDRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("parse pid record: %w", err)
	}
	return record, nil
}

// Alive reports whether a recorded PID still maps to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Cleanup removes a stale PID record. It refuses to remove the record while
// the recorded supervisor is still alive unless force is set.
func Cleanup(path string, force bool) error {
	record, err := ReadPIDRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Unparseable records are exactly what cleanup is for.
		return os.Remove(path)
	}
	if !force && Alive(record.SupervisorPID) {
		return fmt.Errorf("supervisor pid %d is still running (use force to override)", record.SupervisorPID)
	}
	return os.Remove(path)
}
