/*
Copyright The OpenInfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/cmd/gateway/app"
)

var configPath string

func main() {
	pflag.StringVar(&configPath, "config", "", "Path to the gateway configuration file")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		klog.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	if err := app.Run(ctx, configPath); err != nil {
		klog.Errorf("gateway exited with error: %v", err)
		os.Exit(1)
	}
}
