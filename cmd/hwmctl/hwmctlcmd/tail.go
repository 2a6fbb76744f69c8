package hwmctlcmd

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/hwm/mainboilerplate"
	"go.gazette.dev/hwm/window"
	"golang.org/x/sync/errgroup"
)

type cmdTail struct {
	TopicConfig
	Since  string `long:"since" description:"Print entries having timestamps at or above this Unix time, or within this duration of now (eg 10m)"`
	Last   int    `long:"last" short:"n" description:"Print up to this many of the most recent entries"`
	Follow bool   `long:"follow" short:"f" description:"Do not exit after printing current entries; print new entries as they're appended until signaled"`
	Format string `long:"format" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "tail", "Print entries of a buffer", `
Print entries of the buffer of a topic.

By default all stored entries are printed. Use --since to print entries having
timestamps at or after a point in time, or --last to print the most recent
entries. With --follow, hwmctl continues to print entries as they're appended,
until it's signaled (Ctrl-C or SIGTERM).

Results can be output in a variety of --format options:
table: Prints each batch of entries as a table.
json:  Prints entries as flat JSON objects, one per line.
yaml:  Prints entries as a stream of YAML documents.

Examples:

# Print entries of the last ten minutes, and then follow the buffer:
hwmctl tail --topic my/topic --since 10m --follow

# Print the three most recent entries as JSON:
hwmctl tail --topic my/topic --last 3 --format json
`, &cmdTail{})
}

func (cmd *cmdTail) Execute([]string) error {
	if cmd.Since != "" && cmd.Last != 0 {
		return errors.New("--since and --last are mutually exclusive")
	}
	var since, err = parseSince(cmd.Since, time.Now())
	if err != nil {
		return err
	}

	var ctx, wc = startup()
	defer wc.Facade().Close()

	buffer, err := wc.Buffer(ctx, cmd.Topic)
	mbp.Must(err, "failed to open buffer", "topic", cmd.Topic)

	var p = &printer{w: os.Stdout, format: cmd.Format}
	var failed = make(chan error, 1)

	var fn = func(entries []window.Entry, err error) {
		if errors.Is(err, window.ErrMalformedEntry) {
			log.WithFields(log.Fields{"topic": cmd.Topic, "err": err}).Warn("skipped malformed entries")
		} else if err != nil {
			log.WithFields(log.Fields{"topic": cmd.Topic, "err": err}).Error("failed to update buffer")
			return
		}
		if err := p.print(entries); err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	}

	var cancel func()
	if cmd.Last != 0 {
		cancel, err = buffer.Last(ctx, cmd.Last, fn)
	} else {
		cancel, err = buffer.Since(ctx, since, fn)
	}
	mbp.Must(err, "failed to read buffer", "topic", cmd.Topic)
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

// follow blocks until |ctx| is done, the Facade fails, or an error is
// received from |failed|.
func follow(ctx context.Context, facade *window.Facade, failed <-chan error) error {
	var grp, grpCtx = errgroup.WithContext(ctx)

	grp.Go(func() error {
		select {
		case <-facade.Done():
			return facade.Err()
		case err := <-failed:
			return err
		case <-grpCtx.Done():
			return nil
		}
	})
	return grp.Wait()
}
