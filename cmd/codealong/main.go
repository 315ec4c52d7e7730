package main

import (
	"os"

	"github.com/jogardn/coffee-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	order := models.NewCodeAlongOrder()
	if err := order.Notify(os.Stdout, "Miki"); err != nil {
		logger.WithError(err).Fatal("Failed to call customer")
	}
}
