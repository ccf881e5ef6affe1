package api

// dashboardHTML is a small read-only status page over /status, /pools,
// and /routing. It replaces the teacher's tenant-management SPA — there
// is nothing here for an operator to create, pause, or drain, only
// driver state to observe.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>graphdriver connection provider</title>
<style>
body{font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;background:#0f1117;color:#e1e4e8;margin:0;padding:2rem}
h1{font-size:1.25rem;margin-bottom:1rem}
h2{font-size:1rem;color:#8b949e;margin:1.5rem 0 .5rem}
table{width:100%;border-collapse:collapse;font-size:.85rem}
th,td{text-align:left;padding:.4rem .6rem;border-bottom:1px solid #30363d}
th{color:#8b949e;font-weight:600}
.pill{display:inline-block;padding:.1rem .5rem;border-radius:1rem;font-size:.75rem;background:#1c2129}
#err{color:#f85149}
</style>
</head>
<body>
<h1>graphdriver connection provider</h1>
<div id="status" class="pill">loading…</div>

<h2>Pools</h2>
<table id="pools"><thead><tr><th>Address</th><th>Active</th><th>Idle</th><th>Waiting</th><th>Max</th></tr></thead><tbody></tbody></table>

<h2>Routing</h2>
<table id="routing"><thead><tr><th>Database</th><th>Routers</th><th>Readers</th><th>Writers</th><th>Expires</th></tr></thead><tbody></tbody></table>

<div id="err"></div>

<script>
async function refresh() {
  try {
    const [status, pools, routing] = await Promise.all([
      fetch('/status').then(r => r.json()),
      fetch('/pools').then(r => r.json()),
      fetch('/routing').then(r => r.json()),
    ]);

    document.getElementById('status').textContent =
      status.mode + ' · ' + status.address + ' · up ' + status.uptime_seconds + 's · ' + status.goroutines + ' goroutines';

    const poolRows = (pools || []).map(p =>
      '<tr><td>' + p.address + '</td><td>' + p.active + '</td><td>' + p.idle + '</td><td>' + p.waiting + '</td><td>' + p.max_size + '</td></tr>'
    ).join('');
    document.querySelector('#pools tbody').innerHTML = poolRows;

    const routingRows = (routing.tables || []).map(t =>
      '<tr><td>' + (t.database || '(default)') + '</td><td>' + t.routers.join(', ') + '</td><td>' + t.readers.join(', ') + '</td><td>' + t.writers.join(', ') + '</td><td>' + t.expiration_time + '</td></tr>'
    ).join('');
    document.querySelector('#routing tbody').innerHTML = routingRows;

    document.getElementById('err').textContent = '';
  } catch (e) {
    document.getElementById('err').textContent = 'failed to refresh: ' + e;
  }
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
