package main

import "github.com/turbolytics/radar-etl/internal/cmd"

func main() {
	cmd.Execute()
}
