package main

import (
	"casebridge/internal/app"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := app.Run(); err != nil {
		logrus.Fatalf("casebridge failed: %v", err)
	}
}
