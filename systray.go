package main

import (
	"context"
	_ "embed"
	"fmt"
	"net"
	"strings"
	"time"

	"fyne.io/systray"
	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/buildinfo"
	"github.com/dotside-studios/davi-nfc-manager/nfc"
	"github.com/dotside-studios/davi-nfc-manager/nfc/remotenfc"
)

var (
	//go:embed assets/icon.png
	iconData []byte
	//go:embed assets/icon_connected.png
	iconDataConnected []byte
	//go:embed assets/icon_error.png
	iconDataError []byte
	//go:embed assets/icon_stopped.png
	iconDataStopped []byte
)

// readTimeout bounds the tray's one-shot tag read.
const readTimeout = 30 * time.Second

// getLocalIPs returns a list of local IP addresses (excluding loopback)
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips
}

// SystrayApp manages the system tray interface for the NFC manager
type SystrayApp struct {
	agent  *Agent
	logger *zap.Logger

	// Menu items
	mStatus    *systray.MenuItem
	mDevice    *systray.MenuItem
	mAddress   *systray.MenuItem
	mCardUID   *systray.MenuItem
	mCardType  *systray.MenuItem
	mListen    *systray.MenuItem
	mReadTag   *systray.MenuItem
	mStart     *systray.MenuItem
	mStop      *systray.MenuItem
	mQuit      *systray.MenuItem
	lastStatus Status
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent, logger *zap.Logger) *SystrayApp {
	return &SystrayApp{agent: agent, logger: logger.Named("systray")}
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.autoStartAgent()
	go s.statusUpdater()
	go s.handleMenuEvents()
}

func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTitle("NFC")
	systray.SetTooltip(buildinfo.DisplayName + " " + buildinfo.FullVersion())

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()
	s.mDevice = systray.AddMenuItem("Device: None", "Active NFC device")
	s.mDevice.Disable()
	s.mAddress = systray.AddMenuItem("Phones: Disabled", "Address companion phones connect to")
	s.mAddress.Disable()

	systray.AddSeparator()

	s.mCardUID = systray.AddMenuItem("Tag ID: None", "Last tag ID")
	s.mCardUID.Disable()
	s.mCardType = systray.AddMenuItem("Tag Techs: None", "Technologies of the last tag")
	s.mCardType.Disable()

	systray.AddSeparator()

	s.mListen = systray.AddMenuItemCheckbox("Listen for Tags", "Report every tag that enters the field", false)
	s.mReadTag = systray.AddMenuItem("Read Tag Once", "Wait for one NfcA tag and read it")

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Open the NFC driver")
	s.mStop = systray.AddMenuItem("Stop Agent", "Close the NFC driver")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) autoStartAgent() {
	go s.handleStartAgent()
}

// statusUpdater refreshes the menu from the agent status
func (s *SystrayApp) statusUpdater() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		s.render(s.agent.Status())
	}
}

func (s *SystrayApp) render(st Status) {
	prev := s.lastStatus
	s.lastStatus = st

	if st.Device != prev.Device || len(st.Devices) != len(prev.Devices) {
		switch {
		case st.Device == "":
			s.mDevice.SetTitle("Device: None")
		case len(st.Devices) > 1:
			s.mDevice.SetTitle(fmt.Sprintf("Device: %s (+%d)", st.Device, len(st.Devices)-1))
		default:
			s.mDevice.SetTitle("Device: " + st.Device)
		}
	}
	if st.Address != prev.Address {
		s.mAddress.SetTitle(phoneURL(st.Scheme, st.Address))
	}
	if st.LastTag != prev.LastTag {
		s.updateTag(st.LastTag)
	}
	if st.Listening != prev.Listening {
		if st.Listening {
			s.mListen.Check()
		} else {
			s.mListen.Uncheck()
		}
	}
}

func phoneURL(scheme, addr string) string {
	if addr == "" {
		return "Phones: Disabled"
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "Phones: " + addr
	}
	host := "localhost"
	if ips := getLocalIPs(); len(ips) > 0 {
		host = ips[0]
	}
	return fmt.Sprintf("Phones: %s://%s%s", scheme, net.JoinHostPort(host, port), remotenfc.WebsocketPath)
}

func (s *SystrayApp) updateTag(tag *nfc.Tag) {
	if tag == nil {
		s.mCardUID.SetTitle("Tag ID: None")
		s.mCardType.SetTitle("Tag Techs: None")
		return
	}
	s.mCardUID.SetTitle("Tag ID: " + tag.ID)
	if len(tag.TechTypes) == 0 {
		s.mCardType.SetTitle("Tag Techs: Unknown")
		return
	}
	s.mCardType.SetTitle("Tag Techs: " + strings.Join(tag.TechTypes, ", "))
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mListen.ClickedCh:
			s.handleListenToggle()
		case <-s.mReadTag.ClickedCh:
			go s.handleReadTag()
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(); err != nil {
		s.updateStatus("Failed to Start")
		s.mStart.Enable()
		return
	}
	s.updateStatus("Running")
	s.mStart.Disable()
	s.mStop.Enable()
}

func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus("Stopped")
	s.mStop.Disable()
	s.mStart.Enable()
}

func (s *SystrayApp) handleListenToggle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if s.mListen.Checked() {
		err = s.agent.StopListening(ctx)
	} else {
		err = s.agent.Listen(ctx)
	}
	if err != nil {
		s.logger.Warn("listen toggle failed", zap.Error(err))
	}
	s.render(s.agent.Status())
}

func (s *SystrayApp) handleReadTag() {
	s.mReadTag.Disable()
	s.mReadTag.SetTitle("Waiting for Tag...")
	defer func() {
		s.mReadTag.SetTitle("Read Tag Once")
		s.mReadTag.Enable()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	if _, err := s.agent.ReadTagOnce(ctx, []nfc.Tech{nfc.TechNfcA}); err != nil {
		s.logger.Warn("tag read failed", zap.Error(err))
	}
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	switch status {
	case "Running":
		systray.SetIcon(iconDataConnected)
	case "Failed to Start":
		systray.SetIcon(iconDataError)
	case "Stopped":
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}
