// Copyright 2022 The pushmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushmq/client"
	"github.com/alwitt/pushmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// LoadTestCLIArgs arguments
type LoadTestCLIArgs struct {
	TargetURL         string `validate:"required,url"`
	NumClients        int    `validate:"required,gt=0"`
	Channels          cli.StringSlice
	DurationSec       int `validate:"gte=0"`
	ReportIntervalSec int `validate:"required,gt=0"`
	PingIntervalSec   int `validate:"gte=0"`
}

// GetLoadTestCLIFlags retrieve the set of CMD flags for the load test
func GetLoadTestCLIFlags(args *LoadTestCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "target-url",
			Usage:       "Relay websocket endpoint to connect against",
			Aliases:     []string{"t"},
			EnvVars:     []string{"LOADTEST_TARGET_URL"},
			Value:       "ws://127.0.0.1:3000/v1/connect",
			DefaultText: "ws://127.0.0.1:3000/v1/connect",
			Destination: &args.TargetURL,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "clients",
			Usage:       "Number of concurrent clients",
			Aliases:     []string{"n"},
			EnvVars:     []string{"LOADTEST_CLIENTS"},
			Value:       10,
			DefaultText: "10",
			Destination: &args.NumClients,
			Required:    false,
		},
		&cli.StringSliceFlag{
			Name:        "channel",
			Usage:       "Channel every client subscribes to. Repeatable.",
			EnvVars:     []string{"LOADTEST_CHANNELS"},
			Value:       cli.NewStringSlice("loadtest"),
			Destination: &args.Channels,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "duration-sec",
			Usage:       "Test duration in seconds. 0 runs until interrupted.",
			Aliases:     []string{"d"},
			EnvVars:     []string{"LOADTEST_DURATION_SEC"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.DurationSec,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "report-interval-sec",
			Usage:       "Interval between throughput reports in seconds",
			EnvVars:     []string{"LOADTEST_REPORT_INTERVAL_SEC"},
			Value:       5,
			DefaultText: "5",
			Destination: &args.ReportIntervalSec,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "ping-interval-sec",
			Usage:       "Client liveness ping interval in seconds. 0 disables pings.",
			EnvVars:     []string{"LOADTEST_PING_INTERVAL_SEC"},
			Value:       20,
			DefaultText: "20",
			Destination: &args.PingIntervalSec,
			Required:    false,
		},
	}
}

// RunLoadTest run subscriber clients against a relay server and report on
// message throughput
func RunLoadTest(
	runTimeContext context.Context,
	params LoadTestCLIArgs,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "loadtest",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	channels := params.Channels.Value()
	for _, channel := range channels {
		if err := common.ValidateChannelName(channel); err != nil {
			log.WithError(err).WithFields(logTags).Error("Invalid channel name")
			return err
		}
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// Client event loops outlive the runtime context so the final disconnect
	// sequence can still reach them
	clientCtxt, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var received int64
	var connected int32
	handler := func(msg common.Message) error {
		atomic.AddInt64(&received, 1)
		return nil
	}

	clients := make([]client.ChannelClient, 0, params.NumClients)
	for idx := 0; idx < params.NumClients; idx++ {
		dialer := client.WebsocketDialer{
			TargetURL:        params.TargetURL,
			HandshakeTimeout: time.Second * 5,
		}
		entry, err := client.GetChannelClient(
			fmt.Sprintf("%s-%d", instance, idx), client.ClientParams{
				Dialer:               dialer,
				ReconnectMaxAttempts: 5,
				ReconnectWait:        time.Second * 2,
				PingInterval:         time.Second * time.Duration(params.PingIntervalSec),
				OnStatusChange: func(status client.ClientStatus) {
					if status.Connected {
						atomic.AddInt32(&connected, 1)
					}
				},
			}, clientCtxt, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define client %d", idx)
			return err
		}
		for _, channel := range channels {
			if err := entry.Subscribe(clientCtxt, channel, handler); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Client %d unable to subscribe to '%s'", idx, channel,
				)
				return err
			}
		}
		if err := entry.Connect(clientCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Client %d unable to connect", idx)
			return err
		}
		clients = append(clients, entry)
	}
	log.WithFields(logTags).Infof(
		"Started %d clients against %s", params.NumClients, params.TargetURL,
	)

	// Periodic throughput report
	reportTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.report", instance), localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define report timer")
		return err
	}
	var lastTotal int64
	if err := reportTimer.Start(
		time.Second*time.Duration(params.ReportIntervalSec), func() error {
			total := atomic.LoadInt64(&received)
			delta := total - lastTotal
			lastTotal = total
			log.WithFields(logTags).Infof(
				"Received %d messages (%d new), %d client connects so far",
				total, delta, atomic.LoadInt32(&connected),
			)
			return nil
		}, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start report timer")
		return err
	}
	defer func() {
		if err := reportTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to stop report timer")
		}
	}()

	// Run until the duration elapses or the process is interrupted
	if params.DurationSec > 0 {
		select {
		case <-runTimeContext.Done():
		case <-time.After(time.Second * time.Duration(params.DurationSec)):
		}
	} else {
		<-runTimeContext.Done()
	}

	for idx, entry := range clients {
		if err := entry.Disconnect(context.Background()); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to stop client %d", idx)
		}
	}
	log.WithFields(logTags).Infof(
		"Load test complete. Received %d messages in total", atomic.LoadInt64(&received),
	)
	return nil
}
