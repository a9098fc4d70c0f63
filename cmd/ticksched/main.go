// cmd/ticksched/main.go
//
// ticksched drives the scheduler core on a simulated multiprocessor. Commands live in root.go.

package main

func main() {
	Execute()
}
