// Command vkeyctl is a small test/ops tool for a vkey device, in the
// spirit of the original vkeyadm(8): attach to a UIO-bound instance,
// read its protocol version, or send one raw command and print the
// reply. It is not a driver for any particular payload protocol (that
// is opaque to the driver, per spec.md §1) — just a way to poke at the
// ring machinery by hand.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vkeyhost/vkey"
	"github.com/vkeyhost/vkey/internal/logging"
)

func main() {
	var (
		devPath = flag.String("d", "/dev/uio0", "UIO device path")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Usage = usage
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	args := flag.Args()
	if len(args) < 1 {
		logger.Error("subcmd required")
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	params := vkey.DefaultParams(*devPath)
	params.Log = logger
	dev, err := vkey.Open(ctx, params)
	if err != nil {
		logger.Error("failed to attach", "device", *devPath, "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	switch args[0] {
	case "info":
		err = cmdInfo(dev)
	case "send":
		err = cmdSend(ctx, dev, args[1:])
	default:
		logger.Error("unknown subcmd", "subcmd", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", "subcmd", args[0], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: vkeyctl [-d DEV] [-v] info\n")
	fmt.Fprintf(os.Stderr, "       - reads the protocol version\n")
	fmt.Fprintf(os.Stderr, "       vkeyctl [-d DEV] [-v] send -t TYPE [-b BYTES] [FILE]\n")
	fmt.Fprintf(os.Stderr, "       - sends one raw command, with payload from FILE or stdin\n")
}

func cmdInfo(dev *vkey.Device) error {
	info := dev.GetInfo()
	fmt.Printf("vkey v%d.%d\n", info.Vmaj, info.Vmin)
	return nil
}

func cmdSend(ctx context.Context, dev *vkey.Device, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cmdType := fs.Uint("t", 0, "command type byte")
	replyBytes := fs.Uint("b", vkey.DefaultReplySize, "reply buffer size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var in []byte
	var err error
	if rest := fs.Args(); len(rest) == 1 {
		in, err = os.ReadFile(rest[0])
	} else if len(rest) > 1 {
		return fmt.Errorf("too many arguments to send")
	} else {
		in, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	out := make([]byte, *replyBytes)
	res, err := dev.Submit(ctx, vkey.Request{
		CmdType: uint8(*cmdType),
		In:      [][]byte{in},
		Out:     [][]byte{out},
		TruncOK: true,
	})
	if err != nil {
		return err
	}

	n := res.Rlen
	if n > uint32(len(out)) {
		n = uint32(len(out))
	}
	fmt.Println(hex.EncodeToString(out[:n]))
	fmt.Fprintf(os.Stderr, "reply type %d, %d bytes (%s truncated)\n", res.ReplyType, res.Rlen, truncatedStr(res, out))
	return nil
}

func truncatedStr(res *vkey.Result, out []byte) string {
	if res.Rlen > uint32(len(out)) {
		return "was"
	}
	return "not"
}
