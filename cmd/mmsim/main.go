// Command mmsim boots the kernel memory-management stack on top of host memory
// and inspects, exercises or renders the resulting allocator state.
package main

func main() {
	execute()
}
