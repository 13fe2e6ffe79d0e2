// Package main provides the entry point for axp21264sim, a
// functional/behavioral pipeline simulator for a superscalar,
// out-of-order 64-bit processor.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sarchlab/axp21264sim/cpu"
)

var (
	duration = flag.Duration("duration", 100*time.Millisecond, "How long to run the pipeline before halting")
	icSets   = flag.Int("icache-sets", 0, "Instruction cache set count override (0 = default)")
	dcSets   = flag.Int("dcache-sets", 0, "Data cache set count override (0 = default)")
	verbose  = flag.Bool("v", false, "Verbose output")
)

// flatMemory is a minimal, infinite-seeming backing store: reads
// return zeroed bytes and writes are discarded, standing in for a
// real system's DRAM until a concrete memory image is wired in.
type flatMemory struct{}

func (flatMemory) Read(addr uint64, size int) []byte { return make([]byte, size) }
func (flatMemory) Write(addr uint64, data []byte)     {}

func main() {
	flag.Parse()

	cfg := cpu.DefaultConfig()
	if *icSets > 0 {
		cfg.Icache.Sets = *icSets
	}
	if *dcSets > 0 {
		cfg.Dcache.Sets = *dcSets
	}

	c := cpu.New(cfg, flatMemory{})

	if *verbose {
		fmt.Printf("starting pipeline: intPhys=%d fpPhys=%d iq=%d fq=%d rob=%d\n",
			cfg.NumIntPhys, cfg.NumFPPhys, cfg.IQCapacity, cfg.FQCapacity, cfg.ROBCapacity)
	}

	c.Start()
	time.Sleep(*duration)
	c.Stop()

	if *verbose {
		fmt.Printf("halted: state=%s\n", c.State())
	}
	if ex := c.LastException(); ex != nil {
		fmt.Fprintf(os.Stderr, "last exception: offset=0x%04X pc=0x%X\n", ex.Offset, ex.PCAddr)
	}
}
