package distro

const (
	defaultShellReady  = "___SHELL_READY___"
	defaultLoginPrompt = "login:"
)

func defaultMachine() MachineProfile {
	return MachineProfile{
		Machine:  "q35",
		CPUModel: "host",
		VCPUs:    4,
		RAMMB:    4096,
		DiskBus:  "virtio",
		CDBus:    "scsi",
	}
}

// Defaults returns the built-in distro profiles.
func Defaults() []Profile {
	return []Profile{
		{
			ID:               "aurora",
			Name:             "Aurora Desktop",
			ArtifactDir:      ".artifacts/out/aurora",
			Autologin:        true,
			ShellReadyMarker: defaultShellReady,
			ToolProbes: []string{
				"ls /usr/bin",
				"lsblk",
				"mount",
			},
			ServiceProbes: []string{
				"test -S /run/seat/session.sock",
			},
			InstallCommand: "aurora-install --target /dev/vda --batch",
			UpdateCommand:  "aurora-update apply --offline",
			InstallDiskMB:  20480,
			Machine:        defaultMachine(),
		},
		{
			ID:                "kestrel",
			Name:              "Kestrel Appliance",
			ArtifactDir:       ".artifacts/out/kestrel",
			Autologin:         false,
			LoginUser:         "admin",
			LoginPassword:     "kestrel",
			ShellReadyMarker:  defaultShellReady,
			LoginPromptMarker: defaultLoginPrompt,
			ToolProbes: []string{
				"ip link",
				"lsblk",
			},
			ServiceProbes: []string{
				"test -f /run/appliance/ready",
			},
			InstallCommand: "kestrel-install /dev/vda",
			UpdateCommand:  "kestrel-update apply",
			InstallDiskMB:  8192,
			Machine: MachineProfile{
				Machine:  "q35",
				CPUModel: "host",
				VCPUs:    2,
				RAMMB:    2048,
				DiskBus:  "virtio",
				CDBus:    "scsi",
			},
		},
		{
			ID:                "osprey",
			Name:              "Osprey",
			ArtifactDir:       ".artifacts/out/osprey",
			Autologin:         false,
			LoginUser:         "osprey",
			LoginPassword:     "osprey",
			ShellReadyMarker:  defaultShellReady,
			LoginPromptMarker: defaultLoginPrompt,
			ToolProbes: []string{
				"ls /usr/bin",
				"findmnt /",
			},
			ServiceProbes: []string{
				"test -d /run/user",
			},
			InstallCommand: "osprey-install --disk /dev/vda --yes",
			UpdateCommand:  "osprey-update --apply",
			InstallDiskMB:  20480,
			Machine:        defaultMachine(),
		},
	}
}
