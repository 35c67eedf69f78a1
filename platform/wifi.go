package platform

// NsdServiceInfo describes one mDNS/DNS-SD service instance.
type NsdServiceInfo struct {
	ServiceName string
	ServiceType string
	IPAddress   string
	Port        int
	TxtRecords  map[string]string
}

func (i NsdServiceInfo) IsValid() bool {
	return i.ServiceName != ""
}

// TxtRecord returns the value stored under key, or "".
func (i NsdServiceInfo) TxtRecord(key string) string {
	if i.TxtRecords == nil {
		return ""
	}
	return i.TxtRecords[key]
}

func (i *NsdServiceInfo) SetTxtRecord(key, value string) {
	if i.TxtRecords == nil {
		i.TxtRecords = make(map[string]string)
	}
	i.TxtRecords[key] = value
}

// DiscoveredServiceCallback receives NSD sightings. Either field may be nil.
type DiscoveredServiceCallback struct {
	ServiceDiscovered func(info NsdServiceInfo, serviceType string)
	ServiceLost       func(info NsdServiceInfo, serviceType string)
}

// PortRange is an inclusive-exclusive dynamic port range [First, Second).
type PortRange struct {
	First  int
	Second int
}

func (r PortRange) IsValid() bool {
	return r.First > 0 && r.First <= 65535 &&
		r.Second > 0 && r.Second <= 65535 &&
		r.First <= r.Second
}

type WifiLanMedium interface {
	IsValid() bool
	StartAdvertising(info NsdServiceInfo) error
	StopAdvertising(info NsdServiceInfo) error
	StartDiscovery(serviceID, serviceType string, cb DiscoveredServiceCallback) error
	StopDiscovery(serviceType string) error
	// ListenForService binds a server socket; port 0 lets the OS choose.
	ListenForService(port int) (IPServerSocket, error)
	ConnectToService(ip string, port int, cancel *CancellationFlag) (Socket, error)
	// GetDynamicPortRange reports false when the platform has no range.
	GetDynamicPortRange() (PortRange, bool)
}

// HotspotCredentials carries what a client needs to join a hotspot and
// reach the accept loop behind it.
type HotspotCredentials struct {
	SSID      string
	Password  string
	Frequency int
	IPAddress string
	Gateway   string
	Port      int
}

type WifiHotspotMedium interface {
	IsValid() bool
	IsInterfaceValid() bool
	// StartWifiHotspot fills SSID, password and gateway in creds.
	StartWifiHotspot(creds *HotspotCredentials) error
	StopWifiHotspot() error
	ConnectWifiHotspot(creds HotspotCredentials) error
	DisconnectWifiHotspot() error
	ListenForService(port int) (IPServerSocket, error)
	ConnectToService(ip string, port int, cancel *CancellationFlag) (Socket, error)
}
