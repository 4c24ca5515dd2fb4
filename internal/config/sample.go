package config

// Sample is the annotated configuration printed by config-help.
const Sample = `# sitesync configuration.
# Location: ~/.config/sitesync.toml, or -c <path>, or $SITESYNC_CONFIG.

[configuration]
nthreads = 0               # 0 means min(32, CPUs + 4)
page_size = 1000           # paths classified and written per batch
profiling = false          # also record timings in <journal>_profile
journaling_mode = "v2"     # schema of brand-new journals: "v2" or "v1"
upload_method = "builtin"  # builtin, azcli or azcopy
requests_per_second = 0    # 0 means no limit on per-file cloud calls
# metrics_textfile = "/var/lib/node_exporter/sitesync.prom"
# log_dir = "/var/log/sitesync"

[journal]
# The shared journal. A cloud journal is checked out under <path>.locked
# for every command that changes it.
path = "az://myaccount/sitesync/journal.db"
# local_path = "/var/lib/sitesync/journal.db"
auth_mode = "sas"          # sas or login
# azure_sas_token = "sv=..."  # prompted for when missing

[central_path]
# Files land in <path>/<version>/<central path>.
path = "az://myaccount/central"
auth_mode = "sas"

# Site roots, one per modality, with [site_path.default] for the rest.
# Paths may be local directories, az://<account>/<container>/<prefix> or
# s3://<bucket>/<prefix>.
[site_path.default]
path = "/data/site"

[site_path.OMOP]
path = "/data/site"
# path_pattern = "OMOP/{filepath}"
# central_pattern = "OMOP/{filepath}"
omop_per_patient = false   # OMOP/{patient_id}/... becomes {patient_id}/OMOP/...
exclude = ["*.tmp", ".DS_Store"]

[site_path.Waveforms]
path = "s3://site-bucket/export"
aws_region = "us-east-1"
# aws_profile = "site"
`
