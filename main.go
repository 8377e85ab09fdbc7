package main

import "github.com/surge-downloader/hotupdate/cmd"

func main() {
	cmd.Execute()
}
