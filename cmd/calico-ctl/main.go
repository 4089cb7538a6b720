package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"calico/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Control socket path")
	site := cli.String("site", "default", "Site id for injected intents")
	input := cli.String("input", "", "Transcript attached to an injected intent")
	slots := cli.StringToString("slot", nil, "Slot for an injected intent, name=value (repeatable)")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: calico-ctl [flags] status | inject <Intent>")
		cli.PrintDefaults()
	}
	cli.Parse()

	var req ipc.Request
	switch cli.Arg(0) {
	case "", ipc.CmdStatus:
		req.Cmd = ipc.CmdStatus
	case ipc.CmdInject:
		if cli.NArg() < 2 {
			cli.Usage()
			os.Exit(2)
		}
		req = ipc.Request{Cmd: ipc.CmdInject, Intent: cli.Arg(1), Input: *input, Site: *site, Slots: *slots}
	default:
		cli.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := ipc.Send(ctx, *socket, req)
	if err != nil {
		fmt.Println("calico-daemon not running:", err)
		os.Exit(1)
	}

	if req.Cmd == ipc.CmdInject {
		fmt.Println("injected", req.Intent)
		return
	}
	fmt.Println("skills: ", strings.Join(resp.Skills, ", "))
	fmt.Println("intents:", strings.Join(resp.Intents, ", "))
	if len(resp.Failed) > 0 {
		fmt.Println("failed: ", strings.Join(resp.Failed, ", "))
	}
}
