package main

import "mahjong_analysis/client/analysis-cli/cmd"

func main() {
	cmd.Execute()
}
