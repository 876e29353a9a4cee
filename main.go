package main

import "github.com/Martian-dev/assist-mailsync/internal/app"

func main() {
	app.Execute()
}
