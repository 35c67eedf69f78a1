package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/nearby-connections/channel"
	"github.com/user/nearby-connections/client"
	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/platform/lan"
)

func lanCmd(root *rootFlags) *cobra.Command {
	var serviceID string
	cmd := &cobra.Command{
		Use:   "lan",
		Short: "Advertise or discover over WifiLan on this host",
	}
	cmd.PersistentFlags().StringVar(&serviceID, "service-id", "com.example.nearby", "service id to advertise or browse")

	newManager := func(e *env) (*mediums.WifiLan, *lan.Medium) {
		r, _ := e.cfg.Lan.PortRange()
		medium := lan.New(lan.Options{Interface: e.cfg.Lan.Interface, PortRange: r})
		return mediums.NewWifiLan(medium, e.managerOptions()), medium
	}

	advertise := &cobra.Command{
		Use:   "advertise [name]",
		Short: "Accept connections and advertise them over mDNS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				m, medium := newManager(e)
				defer medium.Close()
				defer m.Close()

				proxy := client.NewProxy()
				defer proxy.Close()

				chOpts := channel.OptionsFromConfig(e.cfg.Channel)
				if !m.StartAcceptingConnections(serviceID, func(sid string, s platform.Socket) {
					go echo(channel.NewWifiLan(sid, "incoming", s, chOpts))
				}) {
					return fmt.Errorf("cannot accept connections for %s", serviceID)
				}

				info := platform.NsdServiceInfo{ServiceName: proxy.LocalEndpointID()}
				if len(args) > 0 {
					info.SetTxtRecord("n", args[0])
				}
				if !m.StartAdvertising(serviceID, info) {
					return fmt.Errorf("cannot advertise %s", serviceID)
				}
				proxy.StartedAdvertising(serviceID, client.ConnectionListener{}, client.ConnectionOptions{})
				ip, port := m.GetCredentials(serviceID)
				fmt.Printf("advertising %s as %s on %s:%d\n", serviceID, proxy.LocalEndpointID(), ip, port)

				<-ctx.Done()
				proxy.StoppedAdvertising()
				return nil
			})
		},
	}

	discover := &cobra.Command{
		Use:   "discover",
		Short: "Browse for a service id and print what is found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				m, medium := newManager(e)
				defer medium.Close()
				defer m.Close()

				if !m.StartDiscovery(serviceID, platform.DiscoveredServiceCallback{
					ServiceDiscovered: func(info platform.NsdServiceInfo, serviceType string) {
						fmt.Printf("found %s (%s) at %s:%d name=%q\n",
							info.ServiceName, serviceType, info.IPAddress, info.Port, info.TxtRecord("n"))
					},
					ServiceLost: func(info platform.NsdServiceInfo, serviceType string) {
						fmt.Printf("lost %s (%s)\n", info.ServiceName, serviceType)
					},
				}) {
					return fmt.Errorf("cannot browse for %s", serviceID)
				}
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.AddCommand(advertise, discover)
	return cmd
}

// echo writes every frame it reads back to the sender until the channel
// fails.
func echo(c *channel.EndpointChannel) {
	defer c.Close()
	for {
		frame, err := c.Read()
		if err != nil {
			return
		}
		if err := c.Write(frame); err != nil {
			return
		}
	}
}
