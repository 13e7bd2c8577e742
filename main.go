package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quollsocial/quoll/activitypub"
	"github.com/quollsocial/quoll/db"
	"github.com/quollsocial/quoll/util"
	"github.com/quollsocial/quoll/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath("quoll.db"))
	if err != nil {
		log.Fatalln(err)
	}
	if err := database.RunMigrations(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	svc := activitypub.NewService(database, conf)

	// quoll create-account name@domain
	if len(os.Args) > 2 && os.Args[1] == "create-account" {
		acct, err := svc.CreateLocalAccount(os.Args[2])
		if err != nil {
			log.Fatalln(err)
		}
		log.Printf("Created account %s (%s)", acct.Username, acct.ApID)
		return
	}

	svc.StartDeliveryWorker()

	startServing(svc, conf)
}

func startServing(svc *activitypub.Service, conf *util.AppConfig) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(svc, conf); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Shutting down")
}
