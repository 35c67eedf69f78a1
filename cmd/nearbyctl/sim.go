package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/nearby-connections/channel"
	"github.com/user/nearby-connections/client"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/mediums/ble"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/util"
	"github.com/user/nearby-connections/wire"
)

const cliPrefix = "nearbyctl"

type simFlags struct {
	serviceID string
	multiplex bool
	dumpDir   string
	timeout   time.Duration
}

func simCmd(root *rootFlags) *cobra.Command {
	var flags simFlags
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Discover, connect and exchange a frame between two simulated devices",
		Long: `sim puts two devices on one simulated air. The first accepts and
advertises over WifiLan, the second discovers it, connects and trades one
frame each way through an endpoint channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				if flags.multiplex {
					e.cfg.Multiplex.Enabled = true
				}
				return runSim(ctx, e, flags)
			})
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.serviceID, "service-id", "com.example.nearby", "service id both devices use")
	fs.BoolVar(&flags.multiplex, "multiplex", false, "wrap sockets in multiplex virtual sockets")
	fs.StringVar(&flags.dumpDir, "dump", "", "write an air snapshot to this directory")
	fs.DurationVar(&flags.timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

func runSim(ctx context.Context, e *env, flags simFlags) error {
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	air := wire.NewAir(wire.AirOptions{
		SocketDir: util.GetSocketDir(),
		Sim:       wire.SimulationConfigFromConfig(e.cfg.Sim, e.cfg.Ble),
		Metrics:   e.metrics,
		Backoff: ble.BackoffPolicy{
			Initial: e.cfg.Ble.ReadInitialBackoff,
			Max:     e.cfg.Ble.ReadMaxBackoff,
		},
	})
	defer air.Close()

	advertiser := air.NewDevice("advertiser")
	defer advertiser.Close()
	discoverer := air.NewDevice("discoverer")
	defer discoverer.Close()

	// Both managers share multiplex listeners, as one process would.
	opts := e.managerOptions()
	lanA := mediums.NewWifiLan(advertiser.WifiLan(), opts)
	defer lanA.Close()
	lanB := mediums.NewWifiLan(discoverer.WifiLan(), opts)
	defer lanB.Close()

	proxyA := client.NewProxy()
	defer proxyA.Close()
	proxyB := client.NewProxy()
	defer proxyB.Close()

	events := proxyB.Subscribe()
	defer events.Cancel()
	go func() {
		for ev := range events.C {
			fmt.Printf("discoverer: %s endpoint=%s medium=%s\n", ev.Type, ev.EndpointID, ev.Medium)
		}
	}()

	sid := flags.serviceID
	connOpts := client.ConnectionOptions{AllowedMediums: []platform.Medium{platform.WifiLan}}

	accepted := make(chan platform.Socket, 1)
	if !lanA.StartAcceptingConnections(sid, func(_ string, s platform.Socket) {
		select {
		case accepted <- s:
		default:
			s.Close()
		}
	}) {
		return fmt.Errorf("advertiser could not accept connections")
	}
	info := platform.NsdServiceInfo{ServiceName: proxyA.LocalEndpointID()}
	info.SetTxtRecord("n", advertiser.Name())
	if !lanA.StartAdvertising(sid, info) {
		return fmt.Errorf("advertiser could not advertise")
	}
	proxyA.StartedAdvertising(sid, client.ConnectionListener{}, connOpts)
	ip, port := lanA.GetCredentials(sid)
	logger.Info(cliPrefix, "advertiser %s serving %s:%d", proxyA.LocalEndpointID(), ip, port)

	found := make(chan platform.NsdServiceInfo, 1)
	proxyB.StartedDiscovery(sid, client.DiscoveryListener{}, connOpts)
	if !lanB.StartDiscovery(sid, platform.DiscoveredServiceCallback{
		ServiceDiscovered: func(info platform.NsdServiceInfo, _ string) {
			proxyB.OnEndpointFound(sid, info.ServiceName, []byte(info.TxtRecord("n")), platform.WifiLan)
			select {
			case found <- info:
			default:
			}
		},
		ServiceLost: func(info platform.NsdServiceInfo, _ string) {
			proxyB.OnEndpointLost(sid, info.ServiceName)
		},
	}) {
		return fmt.Errorf("discoverer could not start discovery")
	}

	var remote platform.NsdServiceInfo
	select {
	case remote = <-found:
	case <-ctx.Done():
		return fmt.Errorf("no service found: %w", ctx.Err())
	}

	endpointID := remote.ServiceName
	flag := platform.NewCancellationFlag()
	stopCancel := context.AfterFunc(ctx, flag.Cancel)
	defer stopCancel()

	outgoing := lanB.Connect(sid, remote, flag)
	if outgoing == nil {
		proxyB.OnConnectionRejected(endpointID, fmt.Errorf("connect failed"))
		return fmt.Errorf("discoverer could not connect to %s", endpointID)
	}
	proxyB.OnConnectionInitiated(endpointID, client.ConnectionResponseInfo{
		RemoteEndpointInfo: []byte(remote.TxtRecord("n")),
	}, connOpts, client.ConnectionListener{})

	var incoming platform.Socket
	select {
	case incoming = <-accepted:
	case <-ctx.Done():
		outgoing.Close()
		return fmt.Errorf("advertiser never accepted: %w", ctx.Err())
	}

	chOpts := channel.OptionsFromConfig(e.cfg.Channel)
	left := channel.NewWifiLan(sid, "advertiser", incoming, chOpts)
	defer left.Close()
	right := channel.NewWifiLan(sid, "discoverer", outgoing, chOpts)
	defer right.Close()

	var got string
	proxyB.LocalEndpointAcceptedConnection(endpointID, client.PayloadListener{
		Payload: func(_ string, payload []byte) { got = string(payload) },
	})
	proxyB.RemoteEndpointAcceptedConnection(endpointID)
	proxyB.OnConnectionAccepted(endpointID)

	var g errgroup.Group
	g.Go(func() error {
		frame, err := left.Read()
		if err != nil {
			return err
		}
		fmt.Printf("advertiser: read %q over %s\n", frame, left.GetType())
		return left.Write([]byte("hello from " + advertiser.Name()))
	})
	g.Go(func() error {
		if err := right.Write([]byte("hello from " + discoverer.Name())); err != nil {
			return err
		}
		frame, err := right.Read()
		if err != nil {
			return err
		}
		proxyB.OnPayload(endpointID, frame)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("discoverer: read %q over %s\n", got, right.GetType())

	if flags.dumpDir != "" {
		path, err := air.Snapshot(flags.dumpDir)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot written to %s\n", path)
	}

	proxyB.OnDisconnected(endpointID, true)
	proxyB.StoppedDiscovery()
	proxyA.StoppedAdvertising()
	return nil
}
