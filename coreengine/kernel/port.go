package kernel

import (
	"context"
	"errors"
)

// PortOptions describe a port.
type PortOptions struct {
	Tier SecurityTier
	// MailboxSize bounds the port mailbox; zero means unbounded.
	MailboxSize int
	// Supervision makes the port a supervisor for processes spawned with it
	// as their Supervisor.
	Supervision *SupervisionOptions
}

// Port is a mailbox owned by code outside the kernel. It has a PID, so it
// can send, link, monitor and supervise, but it is never scheduled and
// never hibernated. Ports trap exits: a linked crash arrives as a
// MessageExit instead of terminating the port.
type Port struct {
	k   *Kernel
	pcb *ProcessControlBlock
}

// SpawnPort creates a port.
func (k *Kernel) SpawnPort(opts PortOptions) (*Port, error) {
	if k.stopping.Load() {
		return nil, ErrKernelStopped
	}
	tier := opts.Tier
	if tier == "" {
		tier = TierUnrestricted
	}
	quota := k.config.DefaultQuota.Clone()
	quota.MaxMailboxSize = opts.MailboxSize

	now := k.clock.Now()
	pid := k.table.NextPID()
	if err := k.resources.Admit(pid, quota, now); err != nil {
		return nil, err
	}
	pcb := newPCB(pid, NoPID, nil, PriorityNormal, tier, quota, now)
	pcb.port = true
	pcb.trapExit = true
	// Ports never run, so they sit in Waiting from the start.
	pcb.state = ProcessStateWaiting
	k.table.Register(pcb)
	if opts.Supervision != nil {
		k.supervisor.configure(pid, *opts.Supervision)
	}

	k.metrics.spawns.Add(1)
	k.emitEvent(ProcessSpawnedEvent(pid, NoPID, "", PriorityNormal, tier, now))
	if k.logger != nil {
		k.logger.Debug("port_opened", "pid", uint64(pid), "tier", string(tier))
	}
	return &Port{k: k, pcb: pcb}, nil
}

// PID returns the port's process identifier.
func (p *Port) PID() PID { return p.pcb.pid }

// Receive blocks until a message arrives, ctx is done or the port closes.
func (p *Port) Receive(ctx context.Context) (Message, error) {
	msg, err := p.pcb.mailbox.Receive(ctx)
	if errors.Is(err, ErrMailboxClosed) {
		return Message{}, notFound(p.pcb.pid)
	}
	return msg, err
}

// TryReceive pops a message if one is queued.
func (p *Port) TryReceive() (Message, bool) {
	return p.pcb.mailbox.TryReceive()
}

// Pending returns the number of queued messages.
func (p *Port) Pending() int {
	return p.pcb.mailbox.Len()
}

// Send delivers payload from the port.
func (p *Port) Send(to PID, payload []byte) error {
	return p.k.SendFrom(p.pcb.pid, to, payload)
}

// Spawn starts a process with the port as its parent.
func (p *Port) Spawn(unit *CompiledUnit, opts SpawnOptions) (PID, error) {
	if err := p.k.authorize(p.pcb.pid, OpSpawn); err != nil {
		return NoPID, err
	}
	return p.k.spawn(p.pcb.pid, -1, unit, opts)
}

// Link links the port with pid.
func (p *Port) Link(pid PID) error {
	return p.k.Link(p.pcb.pid, pid)
}

// Monitor makes the port receive a MessageDown when pid exits.
func (p *Port) Monitor(pid PID) error {
	return p.k.Monitor(p.pcb.pid, pid)
}

// Close terminates the port with reason normal.
func (p *Port) Close() error {
	return p.k.Exit(p.pcb.pid, ExitNormal)
}
