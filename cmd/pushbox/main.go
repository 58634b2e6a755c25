package main

import "github.com/hitoshi/pushbox/internal/app"

func main() {
	app.Execute()
}
