package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/zhihanii/zlog"

	"github.com/zhihanii/usbcat"
)

var (
	vendorStr  = pflag.StringP("vendor", "v", "", "vendor ID")
	productStr = pflag.StringP("product", "p", "", "product ID")
	ifaceNum   = pflag.IntP("interface", "i", 0, "interface number")
	detach     = pflag.BoolP("detach", "d", false, "detach kernel driver from the interface")
	readEPStr  = pflag.StringP("read-endpoint", "r", "", "read endpoint number")
	writeEPStr = pflag.StringP("write-endpoint", "w", "", "write endpoint number")
	timeoutMs  = pflag.Uint("timeout", 0, "transfer timeout in milliseconds, 0 for none")
	help       = pflag.BoolP("help", "h", false, "show usage")
)

func usage(long bool) {
	fmt.Fprintln(os.Stderr, "Usage: usbcat [-d] -v vid -p pid [-i interface] [-r read-endpoint] [-w write-endpoint]")
	if long {
		fmt.Println("Read or write raw data to USB bulk endpoints.")
		fmt.Println(pflag.CommandLine.FlagUsages())
		fmt.Println("The read endpoint should have its bit 7 set (IN endpoint).")
		fmt.Println("If both endpoint numbers are specified, usbcat works bidirectionally.")
	}
}

// parseNumber accepts decimal, 0x-prefixed hex and 0-prefixed octal, the way
// strtoul with base 0 does.
func parseNumber(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}

func main() {
	pflag.Usage = func() { usage(false) }
	pflag.Parse()
	if *help {
		usage(true)
		return
	}

	if *vendorStr == "" || *productStr == "" {
		fmt.Fprintln(os.Stderr, "Vendor ID and product ID must be specified.")
		usage(false)
		os.Exit(2)
	}
	if *readEPStr == "" && *writeEPStr == "" {
		fmt.Fprintln(os.Stderr, "At least one endpoint number must be specified.")
		usage(false)
		os.Exit(2)
	}

	vid, err := parseNumber(*vendorStr, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad vendor ID %q: %v\n", *vendorStr, err)
		os.Exit(2)
	}
	pid, err := parseNumber(*productStr, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad product ID %q: %v\n", *productStr, err)
		os.Exit(2)
	}

	cfg := usbcat.Config{
		ReadEndpoint:    -1,
		WriteEndpoint:   -1,
		TransferTimeout: time.Duration(*timeoutMs) * time.Millisecond,
	}
	if *readEPStr != "" {
		ep, err := parseNumber(*readEPStr, 8)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad read endpoint %q: %v\n", *readEPStr, err)
			os.Exit(2)
		}
		cfg.ReadEndpoint = int(ep)
	}
	if *writeEPStr != "" {
		ep, err := parseNumber(*writeEPStr, 8)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad write endpoint %q: %v\n", *writeEPStr, err)
			os.Exit(2)
		}
		cfg.WriteEndpoint = int(ep)
	}

	if err := run(uint16(vid), uint16(pid), cfg); err != nil {
		zlog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(vid, pid uint16, cfg usbcat.Config) error {
	ctx, err := usbcat.NewContext()
	if err != nil {
		return fmt.Errorf("initialize USB context: %w", err)
	}
	defer ctx.Close()

	dev, err := ctx.Open(vid, pid)
	if err != nil {
		return fmt.Errorf("open device %04x:%04x: %w", vid, pid, err)
	}
	defer dev.Close()

	if *detach {
		// Best effort: a missing kernel driver is not a reason to stop.
		if err := dev.DetachKernelDriver(*ifaceNum); err != nil {
			zlog.Errorf("detach kernel driver from interface %d: %v", *ifaceNum, err)
		}
	}
	if err := dev.ClaimInterface(*ifaceNum); err != nil {
		return fmt.Errorf("claim interface %d: %w", *ifaceNum, err)
	}
	defer dev.ReleaseInterface(*ifaceNum)

	in, err := usbcat.NewStream(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("configure stdin: %w", err)
	}
	out, err := usbcat.NewStream(int(os.Stdout.Fd()))
	if err != nil {
		return fmt.Errorf("configure stdout: %w", err)
	}

	bridge, err := usbcat.NewBridge(dev, in, out, cfg)
	if err != nil {
		return err
	}
	return bridge.Run()
}
