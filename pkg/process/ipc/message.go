package ipc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Message passing errors.
var (
	ErrMailboxFull  = errors.New("mailbox is full")
	ErrMailboxEmpty = errors.New("mailbox is empty")
)

// Message is one entry of a mailbox.
type Message struct {
	// From is the sender PID.
	From int
	// Payload is the message data.
	Payload []byte
	// Tick is the simulation tick at which the message was sent.
	Tick int64
}

// Mailbox is a per-process FIFO of incoming messages.
type Mailbox struct {
	messages []Message
	// capacity bounds the number of queued messages; 0 means unbounded.
	capacity int
}

// NewMailbox creates an empty mailbox.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity}
}

// Push appends msg at the tail.
func (m *Mailbox) Push(msg Message) error {
	if m.capacity > 0 && len(m.messages) >= m.capacity {
		return fmt.Errorf("%w: %d messages queued", ErrMailboxFull, len(m.messages))
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Pop removes and returns the oldest message.
func (m *Mailbox) Pop() (Message, bool) {
	if len(m.messages) == 0 {
		return Message{}, false
	}
	msg := m.messages[0]
	m.messages[0] = Message{}
	m.messages = m.messages[1:]
	return msg, true
}

// Peek returns the oldest message without removing it.
func (m *Mailbox) Peek() (Message, bool) {
	if len(m.messages) == 0 {
		return Message{}, false
	}
	return m.messages[0], true
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.messages)
}

// Capacity returns the configured bound, 0 when unbounded.
func (m *Mailbox) Capacity() int {
	return m.capacity
}

// Tasks is the view of the process manager the messenger needs: the
// destination mailbox and the blocking primitives.
type Tasks interface {
	Mailbox(pid int) (*Mailbox, error)
	// BlockOnMessage moves pid to BLOCKED waiting for a message.
	BlockOnMessage(pid int) error
	// WakeFromMessage moves pid to READY if, and only if, it is blocked
	// waiting for a message. It reports whether it did.
	WakeFromMessage(pid int) (bool, error)
}

// Messenger implements send and receive on top of process mailboxes.
type Messenger struct {
	tasks Tasks
	log   logrus.FieldLogger
}

// NewMessenger creates a messenger.
func NewMessenger(tasks Tasks, log logrus.FieldLogger) *Messenger {
	return &Messenger{tasks: tasks, log: log.WithField("component", "ipc")}
}

// Send appends a message to the mailbox of to and wakes it when it was
// blocked in Receive.
func (m *Messenger) Send(from, to int, payload []byte, tick int64) error {
	box, err := m.tasks.Mailbox(to)
	if err != nil {
		return err
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	if err := box.Push(Message{From: from, Payload: data, Tick: tick}); err != nil {
		m.log.WithFields(logrus.Fields{"from": from, "pid": to}).Warn("mailbox full")
		return err
	}

	woke, err := m.tasks.WakeFromMessage(to)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"from": from, "pid": to, "size": len(data), "woke": woke}).Info("message sent")
	return nil
}

// Receive pops the oldest message of pid. With an empty mailbox the
// process is blocked and blocked is true.
func (m *Messenger) Receive(pid int) (msg Message, blocked bool, err error) {
	box, err := m.tasks.Mailbox(pid)
	if err != nil {
		return Message{}, false, err
	}

	if msg, ok := box.Pop(); ok {
		m.log.WithFields(logrus.Fields{"pid": pid, "from": msg.From}).Info("message received")
		return msg, false, nil
	}

	if err := m.tasks.BlockOnMessage(pid); err != nil {
		return Message{}, false, err
	}
	m.log.WithField("pid", pid).Info("blocked on receive")
	return Message{}, true, nil
}
