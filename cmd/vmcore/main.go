// Command vmcore boots one guest VM from a kernel image and optional disks,
// and runs it until the guest shuts down or the process is interrupted.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"vmcore"
	"vmcore/vmconfig"
	"vmcore/vmlog"
)

func main() {
	log := vmlog.New("vmcore")

	cfg, err := vmconfig.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	vm, err := vmcore.New(cfg)
	if err != nil {
		log.Fatalf("create VM: %v", err)
	}
	defer vm.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %v, stopping VM", sig)
		vm.Stop()
	}()

	if err := vm.Run(); err != nil {
		log.Fatalf("%v", err)
	}
}
