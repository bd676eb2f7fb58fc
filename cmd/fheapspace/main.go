// Command fheapspace runs workloads against the fractal heap free-space
// manager and inspects the images it saves.
package main

func main() {
	execute()
}
