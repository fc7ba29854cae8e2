// origami is a small CLI over the realtime notebook client: fetch the
// current state of a notebook, or follow its delta stream as collaborators
// edit it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/api"
	"github.com/noteable-io/origami-go/client"
	"github.com/noteable-io/origami-go/delta"
)

type connectArgs struct {
	Config client.Config `group:"Connection"`
	Args   struct {
		FileID string `positional-arg-name:"FILE_ID" description:"UUID of the notebook file"`
	} `positional-args:"true" required:"true"`
}

func (a *connectArgs) connect(ctx context.Context) (*client.RTUClient, error) {
	var fileID, err = uuid.Parse(a.Args.FileID)
	if err != nil {
		return nil, fmt.Errorf("parsing file id: %w", err)
	}
	c, err := client.New(a.Config, api.NewClient(a.Config.APIBaseURL, a.Config.Token), fileID)
	if err != nil {
		return nil, err
	}
	if err = c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type cmdGet struct {
	connectArgs
}

func (cmd cmdGet) Execute(_ []string) error {
	var c, err = cmd.connect(context.Background())
	if err != nil {
		return err
	}
	defer c.Shutdown(true)

	b, err := c.NotebookJSON(true)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

type cmdTail struct {
	connectArgs
}

func (cmd cmdTail) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = cmd.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Shutdown(true)

	c.RegisterDeltaCallback(
		func(d delta.Delta) bool { return true },
		func(d delta.Delta) {
			log.WithFields(log.Fields{
				"delta_id": d.ID,
				"kind":     d.Kind(),
			}).Info("applied delta")
		},
	)
	log.WithField("file_id", cmd.Args.FileID).Info("following notebook")

	var signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-signals:
		return nil
	case err = <-c.Terminated():
		return err
	}
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	var mustAdd = func(name, short, long string, cmd interface{}) {
		if _, err := parser.AddCommand(name, short, long, cmd); err != nil {
			log.WithField("err", err).Fatal("failed to add command")
		}
	}
	mustAdd("get", "Print the current notebook", `
Connect to the notebook's realtime session, apply any outstanding deltas,
and print the resulting notebook as nbformat JSON.
`, &cmdGet{})

	mustAdd("tail", "Follow the notebook's delta stream", `
Connect to the notebook's realtime session and log each delta as it is
applied, until interrupted.
`, &cmdTail{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		log.WithField("err", err).Fatal("command failed")
	}
}
