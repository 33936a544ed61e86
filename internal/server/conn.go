package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clouddeck/shellbox/internal/audit"
	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/executor"
	"github.com/clouddeck/shellbox/internal/policy"
	"github.com/clouddeck/shellbox/internal/session"
	"github.com/clouddeck/shellbox/internal/types"
)

// conn dispatches the events of one realtime connection. Writes to the peer
// go through send, which the transport layer serializes.
type conn struct {
	srv  *Server
	sess *session.Session
	send func(serverEvent)

	// running guards the whole execute path, cd included, so a second
	// execute_command on a busy session is rejected before it can touch
	// session state. Queueing was considered and rejected: the protocol has
	// no queue-position or cancel-of-queued events.
	running atomic.Bool
}

func newConn(srv *Server, sess *session.Session, send func(serverEvent)) *conn {
	return &conn{srv: srv, sess: sess, send: send}
}

func (c *conn) handleEvent(ctx context.Context, ev clientEvent) {
	switch ev.Event {
	case evExecuteCommand:
		if !c.running.CompareAndSwap(false, true) {
			c.send(errorEvent(types.ErrBusy.Error()))
			return
		}
		go func() {
			defer c.running.Store(false)
			c.execute(ctx, ev)
		}()
	case evCancelCommand:
		// Idempotent: canceling with nothing running is a no-op.
		c.srv.exec.Cancel(c.sess.ID)
	default:
		c.send(errorEvent(fmt.Sprintf("unknown event: %s", ev.Event)))
	}
}

// close force-terminates the session's invocation on disconnect. The executor
// removes the process handle from its registry as part of cancellation.
func (c *conn) close() {
	if c.srv.exec.Cancel(c.sess.ID) {
		c.srv.logger.Info("invocation_canceled_on_disconnect",
			"session", c.sess.ID, "user", c.sess.User.ID)
	}
}

func (c *conn) execute(ctx context.Context, ev clientEvent) {
	raw := strings.TrimSpace(ev.Command)

	verdict := c.srv.policy.Validate(raw)
	if !verdict.Allowed {
		c.send(errorEvent(verdict.Reason))
		c.audit(ev.SiteID, raw, types.OutcomeRejected, verdict.Reason)
		return
	}

	c.send(startedEvent(raw, c.srv.backend.Name(), ev.SiteID))

	ref, created, err := c.srv.backend.EnsureRunning(ctx, c.sess.User.ID)
	if err != nil {
		c.fail(ev.SiteID, raw, err)
		return
	}
	c.sess.SetRoot(ref.Root)
	if created {
		c.send(outputEvent("info", "Provisioned a fresh workspace for this account.\n"))
	}

	if ev.SiteID != "" && ev.SiteID != c.sess.SiteID() {
		folder, err := c.srv.sites.SiteFolder(ctx, c.sess.User.ID, ev.SiteID)
		if err != nil {
			c.send(errorEvent(fmt.Sprintf("unknown site: %s", ev.SiteID)))
			c.audit(ev.SiteID, raw, types.OutcomeRejected, "unknown site")
			return
		}
		c.sess.BindSite(ev.SiteID, folder)
	}

	if policy.Primary(raw) == "cd" {
		c.changeDir(ctx, ev.SiteID, raw, ref)
		return
	}

	c.run(ctx, ev.SiteID, raw, ref)
}

func (c *conn) changeDir(ctx context.Context, siteID, raw string, ref backend.Ref) {
	target := ""
	if fields := strings.Fields(raw); len(fields) > 1 {
		target = fields[1]
	}

	cwd, err := c.sess.ChangeDir(ctx, target, func(ctx context.Context, path string) (bool, error) {
		return c.srv.backend.DirExists(ctx, ref, path)
	})
	if err != nil {
		var vErr *types.ValidationError
		if errors.As(err, &vErr) {
			c.send(errorEvent(vErr.Reason))
			c.audit(siteID, raw, types.OutcomeRejected, vErr.Reason)
			return
		}
		c.fail(siteID, raw, err)
		return
	}

	c.send(outputEvent("info", cwd+"\n"))
	c.send(completedEvent(0))
	c.audit(siteID, raw, types.OutcomeSuccess, "")
}

func (c *conn) run(ctx context.Context, siteID, raw string, ref backend.Ref) {
	resolved := c.sess.ResolvedCommand(raw)

	events, err := c.srv.exec.Run(ctx, c.sess.ID, c.srv.backend, ref, resolved)
	if err != nil {
		if errors.Is(err, types.ErrBusy) {
			c.send(errorEvent(err.Error()))
			return
		}
		c.fail(siteID, raw, err)
		return
	}

	for event := range events {
		switch event.Kind {
		case executor.EventOutput:
			c.send(outputEvent(event.Stream, string(event.Data)))
		case executor.EventNotice:
			c.send(outputEvent("info", string(event.Data)+"\n"))
		case executor.EventCompleted:
			c.send(completedEvent(event.ExitCode))
			if event.ExitCode == 0 {
				c.audit(siteID, raw, types.OutcomeSuccess, "")
				if isSchemaChanging(raw) {
					c.srv.notifier.SchemaChanged(c.sess.User.ID, siteID, raw)
				}
			} else {
				c.audit(siteID, raw, types.OutcomeFailure, fmt.Sprintf("exit code %d", event.ExitCode))
			}
		case executor.EventFailed:
			c.terminalFailure(siteID, raw, event.Err)
		}
	}
}

// terminalFailure reports a failed invocation: timeout and cancellation are
// distinct outcomes, never conflated with an execution failure.
func (c *conn) terminalFailure(siteID, raw string, err error) {
	switch {
	case errors.Is(err, types.ErrTimeout):
		c.send(errorEvent(fmt.Sprintf("command timed out after %s", c.srv.execTimeout)))
		c.audit(siteID, raw, types.OutcomeTimeout, err.Error())
	case errors.Is(err, types.ErrCanceled):
		c.send(errorEvent("command canceled"))
		c.audit(siteID, raw, types.OutcomeCanceled, "")
	default:
		c.fail(siteID, raw, err)
	}
}

// fail reports an infrastructure fault. Only the remediation hint reaches the
// client; the raw cause stays in the server log.
func (c *conn) fail(siteID, raw string, err error) {
	var infraErr *types.InfraError
	if errors.As(err, &infraErr) {
		c.srv.logger.Error("invocation_infra_failure",
			"session", c.sess.ID, "user", c.sess.User.ID, "error", infraErr.Err)
		c.send(errorEvent(infraErr.UserMessage()))
	} else {
		c.srv.logger.Error("invocation_failed",
			"session", c.sess.ID, "user", c.sess.User.ID, "error", err)
		c.send(errorEvent("the command could not be run; try again or contact support"))
	}
	c.audit(siteID, raw, types.OutcomeFailure, err.Error())
}

func (c *conn) audit(siteID, command string, outcome types.Outcome, errMsg string) {
	c.srv.audit.Record(audit.Record{
		UserID:     c.sess.User.ID,
		SiteID:     siteID,
		Command:    command,
		Backend:    c.srv.backend.Name(),
		Status:     string(outcome),
		Error:      errMsg,
		ExecutedAt: time.Now(),
	})
}
