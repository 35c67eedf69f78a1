package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/nearby-connections/channel"
	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/platform/bluez"
	"github.com/user/nearby-connections/platform/nm"
)

func btCmd(root *rootFlags) *cobra.Command {
	var adapter string
	cmd := &cobra.Command{
		Use:   "bt",
		Short: "Bluetooth Classic on this host's BlueZ adapter",
	}
	cmd.PersistentFlags().StringVar(&adapter, "adapter", "", "BlueZ adapter, e.g. hci0 (default: first)")

	discoverable := &cobra.Command{
		Use:   "discoverable <name>",
		Short: "Stay discoverable under name until interrupted, then restore the adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				a, err := bluez.OpenAdapter(adapter)
				if err != nil {
					return err
				}
				classic := bluez.NewClassic(a)
				defer classic.Close()

				radio := mediums.NewBluetoothRadio(a)
				m := mediums.NewBluetoothClassic(radio, classic, e.managerOptions())
				defer m.Close()

				if !m.TurnOnDiscoverability(args[0]) {
					return fmt.Errorf("cannot make %s discoverable", a.Path())
				}
				fmt.Printf("%s discoverable as %q\n", m.GetMacAddress(), args[0])
				<-ctx.Done()
				m.TurnOffDiscoverability()
				return nil
			})
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Print Bluetooth Classic devices as they come and go",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				a, err := bluez.OpenAdapter(adapter)
				if err != nil {
					return err
				}
				classic := bluez.NewClassic(a)
				defer classic.Close()

				m := mediums.NewBluetoothClassic(mediums.NewBluetoothRadio(a), classic, e.managerOptions())
				defer m.Close()

				const scanID = "nearbyctl-scan"
				if !m.StartDiscovery(scanID, platform.BluetoothDiscoveryCallback{
					DeviceDiscovered:  func(d platform.BluetoothDevice) { fmt.Printf("found %s %q\n", d.MacAddress, d.Name) },
					DeviceNameChanged: func(d platform.BluetoothDevice) { fmt.Printf("renamed %s %q\n", d.MacAddress, d.Name) },
					DeviceLost:        func(d platform.BluetoothDevice) { fmt.Printf("lost %s\n", d.MacAddress) },
				}) {
					return fmt.Errorf("cannot start discovery on %s", a.Path())
				}
				<-ctx.Done()
				m.StopDiscovery(scanID)
				return nil
			})
		},
	}

	cmd.AddCommand(discoverable, scan)
	return cmd
}

func hotspotCmd(root *rootFlags) *cobra.Command {
	var iface, serviceID string
	cmd := &cobra.Command{
		Use:   "hotspot",
		Short: "Wi-Fi hotspot through NetworkManager",
	}
	cmd.PersistentFlags().StringVar(&iface, "interface", "", "Wi-Fi interface (default: first)")
	cmd.PersistentFlags().StringVar(&serviceID, "service-id", "com.example.nearby", "service id to accept connections for")

	start := &cobra.Command{
		Use:   "start",
		Short: "Host a hotspot until interrupted and print its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, func(ctx context.Context, e *env) error {
				medium, err := nm.New(nm.Options{Interface: iface})
				if err != nil {
					return err
				}
				m := mediums.NewWifiHotspot(medium, e.managerOptions())
				defer m.Close()

				if !m.StartWifiHotspot() {
					return fmt.Errorf("cannot start hotspot")
				}
				chOpts := channel.OptionsFromConfig(e.cfg.Channel)
				if !m.StartAcceptingConnections(serviceID, func(sid string, s platform.Socket) {
					go echo(channel.NewWifiHotspot(sid, "incoming", s, chOpts))
				}) {
					return fmt.Errorf("cannot accept connections for %s", serviceID)
				}
				creds := m.GetCredentials(serviceID)
				fmt.Printf("ssid=%s password=%s gateway=%s port=%d\n", creds.SSID, creds.Password, creds.Gateway, creds.Port)
				<-ctx.Done()
				m.StopWifiHotspot()
				return nil
			})
		},
	}

	cmd.AddCommand(start)
	return cmd
}
