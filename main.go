// The main package for the restaurant-scraper executable.
package main

import (
	"github.com/OpalDecisionSciences/restaurant-scraper/cmd"
)

func main() {
	cmd.Execute()
}
