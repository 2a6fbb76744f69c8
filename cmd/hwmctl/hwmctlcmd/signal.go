package hwmctlcmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/hwm/mainboilerplate"
	"go.gazette.dev/hwm/window"
)

type cmdSignalWrite struct {
	TopicConfig
	Args struct {
		Value string `positional-arg-name:"VALUE" required:"true" description:"Value to write"`
	} `positional-args:"true"`
}

type cmdSignalRead struct {
	TopicConfig
	Follow bool `long:"follow" short:"f" description:"Do not exit after printing the current value; print each change until signaled"`
}

func init() {
	CommandRegistry.AddCommand("signal", "write", "Write the value of a signal", `
Write the value of the signal of a topic. Readers are notified of the new
value, unless it's equal to the value they last observed.

Example:

hwmctl signal write --topic my/topic 'a new value'
`, &cmdSignalWrite{})

	CommandRegistry.AddCommand("signal", "read", "Read the value of a signal", `
Print the value of the signal of a topic. Nothing is printed if the signal has
never been written. With --follow, each subsequent change of the value is
printed on its own line until hwmctl is signaled (Ctrl-C or SIGTERM).

Example:

hwmctl signal read --topic my/topic --follow
`, &cmdSignalRead{})
}

func (cmd *cmdSignalWrite) Execute([]string) error {
	var ctx, wc = startup()
	defer wc.Facade().Close()

	var sig, err = wc.Signal(ctx, cmd.Topic)
	mbp.Must(err, "failed to open signal", "topic", cmd.Topic)
	mbp.Must(sig.Write(ctx, cmd.Args.Value), "failed to write signal", "topic", cmd.Topic)

	log.WithField("topic", cmd.Topic).Info("wrote signal")
	return nil
}

func (cmd *cmdSignalRead) Execute([]string) error {
	var ctx, wc = startup()
	defer wc.Facade().Close()

	var sig, err = wc.Signal(ctx, cmd.Topic)
	mbp.Must(err, "failed to open signal", "topic", cmd.Topic)

	var failed = make(chan error, 1)
	cancel, err := sig.Read(ctx, func(v window.Value, err error) {
		if err != nil {
			log.WithFields(log.Fields{"topic": cmd.Topic, "err": err}).Error("failed to update signal")
		} else if err = printValue(os.Stdout, v); err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	})
	mbp.Must(err, "failed to read signal", "topic", cmd.Topic)
	defer cancel()

	if !cmd.Follow {
		select {
		case err = <-failed:
			return err
		default:
			return nil
		}
	}
	return follow(ctx, wc.Facade(), failed)
}

func printValue(w io.Writer, v window.Value) error {
	if !v.Present {
		return nil
	}
	var _, err = fmt.Fprintln(w, v.Data)
	return err
}
